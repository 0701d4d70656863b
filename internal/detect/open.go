package detect

import (
	"errors"
	"fmt"
	"io"
)

// DefaultUDPPort is the detector's default datagram port.
const DefaultUDPPort = 5005

// SourceOptions selects exactly one detection input.
type SourceOptions struct {
	SerialPath string
	Serial     PortOptions
	UDPAddress string
	PCAPPath   string
	PCAPPort   int
	Realtime   bool // pace pcap replay by capture time
	File       string
	Reader     io.Reader // used for File == "-"
}

// ErrNoSource is returned when no input is configured.
var ErrNoSource = errors.New("no detection source configured")

// NewSource builds the single source named by opts.
func NewSource(opts SourceOptions) (Source, error) {
	var (
		src   Source
		count int
	)
	if opts.SerialPath != "" {
		if _, err := opts.Serial.Normalize(); err != nil {
			return nil, err
		}
		src = NewSerialSource(opts.SerialPath, opts.Serial)
		count++
	}
	if opts.UDPAddress != "" {
		src = NewUDPSource(opts.UDPAddress)
		count++
	}
	if opts.PCAPPath != "" {
		port := opts.PCAPPort
		if port == 0 {
			port = DefaultUDPPort
		}
		p := NewPCAPSource(opts.PCAPPath, port)
		p.Realtime = opts.Realtime
		src = p
		count++
	}
	if opts.File != "" {
		if opts.File == "-" {
			if opts.Reader == nil {
				return nil, fmt.Errorf("file %q needs a reader", opts.File)
			}
			src = NewReaderSource("stdin", opts.Reader)
		} else {
			src = &FileSource{Path: opts.File}
		}
		count++
	}

	switch count {
	case 0:
		return nil, ErrNoSource
	case 1:
		return src, nil
	}
	return nil, fmt.Errorf("%d detection sources configured; choose one", count)
}
