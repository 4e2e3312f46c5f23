// Package quota implements the per-session stats sampler and disk-quota
// enforcement loop: every tick it snapshots runtime stats, measures the
// instance's volume size on disk, and auto-stops the container the first
// time usage crosses the configured limit.
package quota

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kswings/hostagent/internal/hostagent/log"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
)

const (
	defaultInterval = time.Second
	mib             = 1024 * 1024
)

// Loop samples stats and volume usage for one container on a fixed tick,
// latching an auto-stop the first time the volume exceeds its disk limit.
// One Loop is owned by exactly one stats session; it is not shared.
type Loop struct {
	Runtime      hostruntime.Client
	ContainerID  string
	VolumePath   string
	DiskLimitMiB int64
	Interval     time.Duration

	autoStopped bool
}

// New builds a Loop enforcing diskLimitMiB, the value the caller read from
// the state record at session start (0 disables enforcement).
func New(rt hostruntime.Client, containerID, volumePath string, diskLimitMiB int64) *Loop {
	return &Loop{
		Runtime:      rt,
		ContainerID:  containerID,
		VolumePath:   volumePath,
		DiskLimitMiB: diskLimitMiB,
	}
}

// Run ticks until ctx is cancelled. On each successful sample it calls
// onSample with the merged stats/quota object; on a failed sample it calls
// onError, but the timer keeps running (spec §4.7 step 4). Run returns when
// ctx is done, having cleared its own timer (step 5).
func (l *Loop) Run(ctx context.Context, onSample func(map[string]any), onError func(string)) {
	interval := l.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	logger := log.WithContainer(l.ContainerID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, exceeded, err := l.sample(ctx)
			if err != nil {
				logger.Debug().Err(err).Msg("stats sample failed")
				onError("Failed to fetch stats")
				continue
			}
			onSample(snapshot)

			if !exceeded || l.autoStopped {
				continue
			}
			inspected, err := l.Runtime.Inspect(ctx, l.ContainerID)
			if err != nil || !inspected.Running {
				continue
			}
			logger.Warn().Int64("disk_limit_mib", l.DiskLimitMiB).Msg("volume quota exceeded, stopping container")
			if err := l.Runtime.Stop(ctx, l.ContainerID, 10*time.Second); err != nil {
				logger.Error().Err(err).Msg("auto-stop on quota breach failed")
				continue
			}
			l.autoStopped = true
		}
	}
}

func (l *Loop) sample(ctx context.Context) (map[string]any, bool, error) {
	stats, err := l.Runtime.StatsOnce(ctx, l.ContainerID)
	if err != nil {
		return nil, false, err
	}

	sizeBytes, err := volumeSize(l.VolumePath)
	if err != nil {
		return nil, false, err
	}
	volumeSizeMiB := sizeBytes / mib

	exceeded := l.DiskLimitMiB > 0 && volumeSizeMiB >= l.DiskLimitMiB

	snapshot := make(map[string]any, len(stats)+3)
	for k, v := range stats {
		snapshot[k] = v
	}
	snapshot["volume_size_mib"] = volumeSizeMiB
	snapshot["disk_limit_mib"] = l.DiskLimitMiB
	snapshot["storage_exceeded"] = exceeded

	logger := log.WithContainer(l.ContainerID)
	logger.Debug().
		Str("volume_size", humanize.Bytes(uint64(sizeBytes))).
		Bool("storage_exceeded", exceeded).
		Msg("quota sample")

	return snapshot, exceeded, nil
}

func volumeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
