package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/posefusion/internal/monitoring"
)

// PCAPSource replays detection datagrams from a pcap capture.
type PCAPSource struct {
	Path string
	// Reader is used instead of opening Path when set.
	Reader io.Reader
	// Port keeps only UDP datagrams sent to this port; zero keeps all.
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// StampCaptureTime sets Frame.At from the packet capture time when the
	// frame has no ts_ms of its own.
	StampCaptureTime bool
	Stats            Stats
}

// NewPCAPSource returns a source for the capture file at path.
func NewPCAPSource(path string, port int) *PCAPSource {
	return &PCAPSource{Path: path, Port: port, StampCaptureTime: true}
}

// Run replays the capture. Reaching the end of the file is not an error.
func (s *PCAPSource) Run(ctx context.Context, fn Handler) error {
	r := s.Reader
	if r == nil {
		f, err := os.Open(s.Path)
		if err != nil {
			return fmt.Errorf("failed to open PCAP file %s: %w", s.Path, err)
		}
		defer f.Close()
		r = f
	}

	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header: %w", err)
	}

	var (
		packets   int
		firstCap  time.Time
		wallStart = time.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("[PCAP] replay complete: %d packets, %d frames, %d malformed",
				packets, s.Stats.Frames(), s.Stats.Malformed())
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", packets+1, err)
		}
		packets++

		packet := gopacket.NewPacket(data, pr.LinkType(), gopacket.NoCopy)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if s.Port > 0 && int(udp.DstPort) != s.Port {
			continue
		}

		if s.Realtime {
			if firstCap.IsZero() {
				firstCap = ci.Timestamp
			}
			due := wallStart.Add(ci.Timestamp.Sub(firstCap))
			if wait := time.Until(due); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
		}

		captured := ci.Timestamp
		decodeLines("PCAP", udp.Payload, &s.Stats, func(f Frame) {
			if f.At.IsZero() && s.StampCaptureTime {
				f.At = captured
			}
			fn(f)
		})
	}
}
