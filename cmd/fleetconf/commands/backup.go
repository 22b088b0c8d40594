package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/fleetconf/pkg/config"
	"github.com/openfroyo/fleetconf/pkg/engine"
	"github.com/openfroyo/fleetconf/pkg/stores"
)

func newBackupCommand() *cobra.Command {
	var (
		deviceIDs  []string
		labels     map[string]string
		paths      []string
		outputFile string
		planID     string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Capture device configuration as a restore plan",
		Long: `Read configuration paths from devices and write them as a change plan.

Every path that exists becomes a replace edit with its current value; every
path that does not exist becomes a delete. Applying the file with
"fleetconf apply -f" restores the captured state.

Devices are chosen by --devices, by --selector labels, or both.`,
		Example: `  # Back up interface and system config of two devices
  fleetconf backup --devices core-1,core-2 \
    --paths /ietf-interfaces:interfaces,/ietf-system:system \
    -o backup.yaml

  # Back up every edge device as CUE
  fleetconf backup --selector role=edge --paths /ietf-system:system -o edge.cue`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(deviceIDs) == 0 && len(labels) == 0 {
				return fmt.Errorf("no devices selected: use --devices or --selector")
			}
			for _, p := range paths {
				if _, perr := engine.ParsePath(p); perr != nil {
					return fmt.Errorf("invalid path %q: %w", p, perr)
				}
			}
			if _, err := config.FormatFor(outputFile); err != nil {
				return err
			}

			ctx, rt, err := newRuntime(cmd, needs{devices: true, store: true})
			if err != nil {
				return err
			}
			defer func() { rt.Close(err) }()

			devices, err := selectDevices(rt, deviceIDs, labels)
			if err != nil {
				return err
			}

			reads, err := readDevices(ctx, rt, devices, paths)
			if err != nil {
				return err
			}

			if planID == "" {
				planID = "backup-" + time.Now().UTC().Format("20060102T150405Z")
			}
			plan := backupPlan(planID, devices, reads)
			if _, err := engine.ValidatePlan(plan); err != nil {
				return fmt.Errorf("captured state is not a valid plan: %w", err)
			}

			if err := config.WritePlan(outputFile, plan); err != nil {
				return err
			}

			rt.audit(ctx, stores.AuditActionBackup, plan.ID, map[string]any{
				"file":    outputFile,
				"devices": plan.DeviceIDs(),
				"paths":   paths,
			})
			rt.logger.Info().
				Str("plan", plan.ID).
				Str("file", outputFile).
				Int("devices", len(plan.Devices)).
				Msg("Backup written")

			out := newPrinter(cmd)
			if out.json {
				return out.JSON(map[string]any{"plan_id": plan.ID, "file": outputFile, "devices": plan.DeviceIDs()})
			}
			fmt.Fprintf(out.out, "Backup %s of %d devices written to %s\n", plan.ID, len(plan.Devices), outputFile)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&deviceIDs, "devices", nil, "device ids to back up")
	cmd.Flags().StringToStringVar(&labels, "selector", nil, "back up devices carrying these labels")
	cmd.Flags().StringSliceVar(&paths, "paths", nil, "configuration paths to capture")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "plan file to write (.yaml, .json or .cue)")
	cmd.Flags().StringVar(&planID, "id", "", "id of the generated plan")
	_ = cmd.MarkFlagRequired("paths")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

// selectDevices resolves explicit ids and label selectors against the
// inventory, in inventory order, without duplicates.
func selectDevices(rt *runtime, ids []string, labels map[string]string) ([]engine.Device, error) {
	snap := rt.catalog.Snapshot()
	chosen := make(map[string]bool)

	for _, id := range ids {
		if _, ok := snap.Device(id); !ok {
			return nil, fmt.Errorf("device %s is not in the inventory", id)
		}
		chosen[id] = true
	}
	if len(labels) > 0 {
		matched := snap.Select(labels)
		if len(matched) == 0 {
			return nil, fmt.Errorf("no device matches selector %s", formatLabels(labels))
		}
		for _, d := range matched {
			chosen[d.ID] = true
		}
	}

	var devices []engine.Device
	for _, d := range snap.Devices() {
		if chosen[d.ID] {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// readDevices reads paths from every device, at most the configured
// concurrency at a time. Any failed read fails the backup.
func readDevices(ctx context.Context, rt *runtime, devices []engine.Device, paths []string) (map[string][]engine.PathValue, error) {
	var mu sync.Mutex
	reads := make(map[string][]engine.PathValue, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rt.cfg.Engine.Concurrency)
	for _, device := range devices {
		g.Go(func() error {
			values, err := readPaths(gctx, rt, device, paths)
			if err != nil {
				return fmt.Errorf("device %s: %w", device.ID, err)
			}
			mu.Lock()
			reads[device.ID] = values
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reads, nil
}

func readPaths(ctx context.Context, rt *runtime, device engine.Device, paths []string) ([]engine.PathValue, error) {
	backend, err := rt.selector.Select(device, engine.RequireRead)
	if err != nil {
		return nil, err
	}

	session, err := backend.Open(ctx, device)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	logger := rt.logger.With().Str("device", device.ID).Str("backend", string(backend.Protocol())).Logger()
	values := make([]engine.PathValue, 0, len(paths))
	for _, path := range paths {
		var value engine.PathValue
		_, err := rt.cfg.Retry.Do(ctx, func() error {
			stepCtx, cancel := stepContext(ctx, rt.cfg.Engine.StepTimeout)
			defer cancel()
			v, rerr := session.Read(stepCtx, path)
			value = v
			return rerr
		}, func(attempt int, err error, wait time.Duration) {
			logger.Debug().Err(err).Str("path", path).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying read")
		})
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if value.Path == "" {
			value.Path = path
		}
		logger.Debug().Str("path", path).Bool("exists", value.Exists).Msg("Path captured")
		values = append(values, value)
	}
	return values, nil
}

func stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// backupPlan turns captured values into a plan that restores them. Present
// values become replace edits and absent ones deletes. A multi-device backup
// restores all or nothing.
func backupPlan(id string, devices []engine.Device, reads map[string][]engine.PathValue) *engine.ChangePlan {
	plan := &engine.ChangePlan{
		ID:          id,
		Description: fmt.Sprintf("configuration backup taken %s", time.Now().UTC().Format(time.RFC3339)),
	}

	for _, d := range devices {
		dp := engine.DevicePlan{DeviceID: d.ID}
		for _, v := range reads[d.ID] {
			if v.Exists {
				dp.Edits = append(dp.Edits, engine.FieldEdit{Path: v.Path, Operation: engine.EditReplace, Value: v.Data})
			} else {
				dp.Edits = append(dp.Edits, engine.FieldEdit{Path: v.Path, Operation: engine.EditDelete})
			}
		}
		plan.Devices = append(plan.Devices, dp)
	}

	if len(plan.Devices) > 1 {
		rollback := true
		plan.RollbackOnAnyFailure = &rollback
	}
	return plan
}
