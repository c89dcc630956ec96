// Command gpuctl is a diagnostic CLI over a running or just-discovered
// ilgpu-rt Context: device catalog dump, kernel cache and buffer pool
// introspection. It is not an IDE or GUI, just a thin cobra front end over
// gpuctx.
package main

import (
	"fmt"
	"log"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/gpuctx"
	_ "github.com/mivertowski/ilgpu-rt/internal/backend/cuda"
	_ "github.com/mivertowski/ilgpu-rt/internal/backend/opencl"
	_ "github.com/mivertowski/ilgpu-rt/internal/backend/simd"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("gpuctl: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gpuctl",
		Short: "Inspect the ilgpu-rt device catalog, kernel cache, and buffer pool",
	}
	root.AddCommand(newDevicesCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newPoolCmd())
	return root
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List discovered accelerator devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := stdr.New(nil)
			catalog := device.Discover(log, device.Filter{})
			devices := catalog.Devices()
			if len(devices) == 0 {
				fmt.Println("no devices discovered")
				return nil
			}
			for _, d := range devices {
				mem, err := d.MemoryInfo()
				memStr := "n/a"
				if err == nil {
					memStr = fmt.Sprintf("%s used / %s total", humanize.Bytes(mem.UsedBytes), humanize.Bytes(mem.TotalBytes))
				}
				fmt.Printf("%-24s %-10s %-10s %s\n", d.ID, d.Name, d.Status(), memStr)
			}
			return nil
		},
	}
}

// liveContext finds the process's active runtime Context. Commands that
// inspect cache or pool state only make sense in-process with whatever
// built that Context (e.g. a test harness or an embedding application that
// mounts these commands); a bare gpuctl invocation has none.
func liveContext() (*gpuctx.Context, error) {
	c := gpuctx.Current()
	if c == nil {
		return nil, fmt.Errorf("no active Context in this process; build one before invoking this command")
	}
	return c, nil
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the kernel artifact cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print kernel cache hit/miss counters per accelerator",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := liveContext()
			if err != nil {
				return err
			}
			for _, d := range c.Catalog().Devices() {
				accel, ok := c.Accelerator(d.ID)
				if !ok {
					continue
				}
				s := accel.Cache().Stats()
				fmt.Printf("%-24s size=%d hits=%d misses=%d\n", d.ID, s.Size, s.Hits, s.Misses)
			}
			return nil
		},
	})
	return cmd
}

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect the buffer pool",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print buffer pool occupancy and hit ratio per accelerator",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := liveContext()
			if err != nil {
				return err
			}
			for _, d := range c.Catalog().Devices() {
				accel, ok := c.Accelerator(d.ID)
				if !ok {
					continue
				}
				stats := accel.Pool().Stats()
				if len(stats) == 0 {
					fmt.Printf("%-24s (no pools in use)\n", d.ID)
					continue
				}
				for typeKey, s := range stats {
					fmt.Printf("%-24s %-10s total=%d in-use=%d hits=%d misses=%d hit-ratio=%.2f\n",
						d.ID, typeKey, s.Total, s.InUse, s.Hits, s.Misses, s.HitRatio)
				}
			}
			return nil
		},
	})
	return cmd
}
