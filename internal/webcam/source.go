package webcam

import (
	"context"
	"net/http"

	"github.com/g960059/printwatch/internal/devices"
	"github.com/g960059/printwatch/internal/model"
)

type Prober interface {
	Probe(ctx context.Context, streamURL string) (int, error)
}

type PrinterLookup interface {
	Get(printerID string) (model.Printer, bool)
}

// Source is the stream URL a viewer should attach to.
type Source struct {
	URL    string
	Online bool
}

// ResolveSource probes the direct stream first. The proxied stream is only
// tried when the direct one cannot be reached at all; a direct stream that
// answers with anything but 200 is reported offline.
func ResolveSource(ctx context.Context, prober Prober, printers PrinterLookup, printerID string) (Source, error) {
	p, ok := printers.Get(printerID)
	if !ok || p.Webcam == nil || (p.Webcam.Stream == "" && p.Webcam.Proxied == "") {
		return Source{}, devices.ErrNoWebcam
	}
	if p.Webcam.Stream != "" {
		status, err := prober.Probe(ctx, p.Webcam.Stream)
		if err == nil {
			if status == http.StatusOK {
				return Source{URL: p.Webcam.Stream, Online: true}, nil
			}
			return Source{}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Source{}, ctxErr
		}
	}
	if p.Webcam.Proxied == "" {
		return Source{}, nil
	}
	status, err := prober.Probe(ctx, p.Webcam.Proxied)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Source{}, ctxErr
		}
		return Source{}, nil
	}
	if status != http.StatusOK {
		return Source{}, nil
	}
	return Source{URL: p.Webcam.Proxied, Online: true}, nil
}
