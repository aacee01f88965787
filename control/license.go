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

// Package control implements the daemon's local reporting protocol: a
// small, unauthenticated request/response exchange modeled on the NTPv3
// control message shape (RFC 1119 Appendix B), used over a unix socket
// between ntpd and the ntpctl CLI. Autokey-style control-message
// authentication is out of scope; the socket's filesystem permissions
// are the access boundary.
package control
