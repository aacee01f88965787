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

package daemon

import (
	"os"
	"strconv"

	"github.com/shirou/gopsutil/process"
)

// processStats adds the daemon's own CPU/RSS/FD counters to an activity
// report, the same fields the teacher's sysstats.go collects for its own
// process metrics, narrowed to what ActivityReport's operators actually
// ask about.
func processStats(out map[string]string) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if pct, err := proc.Percent(0); err == nil {
		out["process.cpu_pct"] = strconv.FormatFloat(pct, 'f', 2, 64)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		out["process.rss"] = strconv.FormatUint(mem.RSS, 10)
	}
	if fds, err := proc.NumFDs(); err == nil {
		out["process.num_fds"] = strconv.Itoa(int(fds))
	}
}
