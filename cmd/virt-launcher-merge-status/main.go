/*
 * This file is part of the KubeVirt project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright The KubeVirt Authors.
 *
 */

// Command virt-launcher-merge-status is an operator debugging tool: it
// dials a running virt-launcher's livemerge debug socket and prints the
// live disk-merge job table as a table, the same shape QueryJobs returns.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	env_config "kubevirt.io/kubevirt/pkg/virt-launcher/env-config"
	"kubevirt.io/kubevirt/pkg/virt-launcher/virtwrap/livemerge"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "virt-launcher-merge-status",
	Short: "Inspect the live disk-merge job table of a running virt-launcher",
	Long: `virt-launcher-merge-status attaches to a running virt-launcher over
its livemerge debug socket and dumps the current merge job table, for
operator debugging when a merge job appears stuck.`,
	RunE: runStatus,
}

func init() {
	rootCmd.Flags().String("socket", defaultSocketPath(), "path to the virt-launcher livemerge debug socket")
	rootCmd.Flags().Duration("timeout", 2*time.Second, "dial timeout")
	rootCmd.Flags().String("job", "", "show only the job with this id")
}

// defaultSocketPath matches the convention virt-launcher uses for its other
// per-VMI unix-domain command sockets: a well-known name under the pod's
// ephemeral sockets directory. When run from inside the virt-launcher pod
// itself, POD_NAME (read the same way env-config reads the rest of
// virt-launcher's process configuration) disambiguates which VMI's socket
// to dial when several live-migration target pods share a node.
func defaultSocketPath() string {
	config := env_config.ReadVirtLauncherConfig()
	if config.PodName != "" {
		return fmt.Sprintf("/var/run/kubevirt/%s/livemerge.sock", config.PodName)
	}
	return "/var/run/kubevirt/livemerge.sock"
}

func runStatus(cmd *cobra.Command, args []string) error {
	socketPath, _ := cmd.Flags().GetString("socket")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jobID, _ := cmd.Flags().GetString("job")

	jobs, err := fetchJobs(socketPath, timeout)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", socketPath, err)
	}

	if jobID != "" {
		status, ok := jobs[jobID]
		if !ok {
			return fmt.Errorf("no job %s in the current job table", jobID)
		}
		printTable(map[string]livemerge.JobStatus{jobID: status})
		return nil
	}

	printTable(jobs)
	return nil
}

func fetchJobs(socketPath string, timeout time.Duration) (map[string]livemerge.JobStatus, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var jobs map[string]livemerge.JobStatus
	if err := json.NewDecoder(conn).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("failed to decode job table: %w", err)
	}
	return jobs, nil
}

func printTable(jobs map[string]livemerge.JobStatus) {
	if len(jobs) == 0 {
		fmt.Println("No active merge jobs")
		return
	}

	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("%-38s %-8s %-12s %-10s %-14s %-14s\n", "JOB ID", "DRIVE", "TYPE", "BANDWIDTH", "CUR", "END")
	for _, id := range ids {
		s := jobs[id]
		fmt.Printf("%-38s %-8s %-12s %-10d %-14s %-14s\n",
			s.ID, s.Drive, s.JobType+"/"+s.BlockJobType, s.Bandwidth, s.Cur, s.End)
	}
}
