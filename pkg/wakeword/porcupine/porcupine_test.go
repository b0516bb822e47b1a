package porcupine

import (
	"errors"
	"testing"

	"github.com/ShinnosukeUesaka/house-agent/pkg/wakeword"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		opts []Option
	}{
		{name: "empty access key", key: ""},
		{name: "sensitivity above one", key: "k", opts: []Option{WithSensitivity(1.5)}},
		{name: "negative sensitivity", key: "k", opts: []Option{WithSensitivity(-0.1)}},
		{name: "unknown keyword", key: "k", opts: []Option{WithBuiltInKeyword("hey-fridge")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.key, tt.opts...)
			if !errors.Is(err, wakeword.ErrEngineInit) {
				t.Errorf("err = %v; want ErrEngineInit", err)
			}
		})
	}
}
