package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShinnosukeUesaka/house-agent/pkg/audio/capture"
)

// CaptureLive fails when the capture engine has not received audio within
// maxGap.
func CaptureLive(stats func() capture.Stats, maxGap time.Duration) Checker {
	return captureLive(stats, maxGap, time.Now)
}

func captureLive(stats func() capture.Stats, maxGap time.Duration, now func() time.Time) Checker {
	return Checker{
		Name: "capture",
		Check: func(context.Context) error {
			st := stats()
			if st.LastPush.IsZero() {
				return errors.New("no audio received yet")
			}
			if gap := now().Sub(st.LastPush); gap > maxGap {
				return fmt.Errorf("no audio for %s", gap.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks a dependency through its Ping method.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// NoSetupError fails while errFn reports a setup error, such as a missing
// microphone or a rejected wake-word access key.
func NoSetupError(errFn func() string) Checker {
	return Checker{
		Name: "setup",
		Check: func(context.Context) error {
			if msg := errFn(); msg != "" {
				return errors.New(msg)
			}
			return nil
		},
	}
}
