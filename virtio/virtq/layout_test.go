package virtq_test

import (
	"errors"
	"testing"

	"github.com/c35s/vring/virtio/virtq"
	"github.com/google/go-cmp/cmp"
)

func TestComputeLayout(t *testing.T) {
	tests := []struct {
		name string
		size uint16
		cfg  virtq.Config
		want virtq.Layout
	}{
		{
			name: "legacy",
			size: 256,
			cfg:  virtq.Config{Format: virtq.Legacy},
			want: virtq.Layout{
				Size:       256,
				Desc:       0,
				Avail:      4096,
				Used:       8192,
				UsedEvent:  -1,
				AvailEvent: -1,
				Indirect:   -1,
				Total:      8192 + 4 + 8*256,
			},
		},
		{
			name: "modern event idx",
			size: 4,
			cfg:  virtq.Config{Format: virtq.Modern, EventIdx: true},
			want: virtq.Layout{
				Size:       4,
				Desc:       0,
				Avail:      64,
				UsedEvent:  76,
				Used:       80,
				AvailEvent: 116,
				Indirect:   -1,
				Total:      118,
			},
		},
		{
			name: "modern indirect",
			size: 4,
			cfg:  virtq.Config{Format: virtq.Modern, Indirect: true, MaxSegments: 8},
			want: virtq.Layout{
				Size:       4,
				Desc:       0,
				Avail:      64,
				Used:       76,
				UsedEvent:  -1,
				AvailEvent: -1,
				Indirect:   112,
				Total:      112 + 4*8*16,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := virtq.ComputeLayout(tt.size, tt.cfg)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("layout (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("bad align", func(t *testing.T) {
		_, err := virtq.ComputeLayout(8, virtq.Config{Align: 6})
		if err == nil {
			t.Error("no error for align 6")
		}
	})
}

func TestFormat(t *testing.T) {
	if virtq.Legacy.String() != "legacy" || virtq.Modern.String() != "modern" {
		t.Errorf("%s %s", virtq.Legacy, virtq.Modern)
	}

	var zero virtq.Config
	if zero.Format != virtq.Legacy {
		t.Error("zero config isn't legacy")
	}

	if _, err := virtq.New(0, 8, zero); !errors.Is(err, virtq.ErrConfig) {
		t.Errorf("error isn't ErrConfig: %v", err)
	}
}
