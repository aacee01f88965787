/*
Copyright (c) The ntpd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package daemon wires every core component — the scheduler, local
// clock discipline, source statistics, selector, reference, protocol
// engine, sockets, source directory, access filter, configuration,
// control surface, reference clocks and drift file — into the single
// running process, the way fbclock/daemon and ptp4u/server assemble
// their own components.
package daemon
