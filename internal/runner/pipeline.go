package runner

import (
	"bufio"
	"context"
	"io"

	"github.com/fleetrunner/runnerd/internal/bus"
	"github.com/fleetrunner/runnerd/internal/cliproto"
	"github.com/fleetrunner/runnerd/internal/telemetry"
)

// rawLinePrefix marks a stdout line the backend could not decode as JSON;
// emitted through the output callback instead of being silently dropped.
const rawLinePrefix = "[raw] "

// maxLineSize bounds one NDJSON line to 1 MB, protecting against a
// runaway or malformed child process.
const maxLineSize = 1024 * 1024

// runStdoutPipeline reads NDJSON lines from r, decodes each with backend,
// and publishes a bus.KindEvent for every successfully parsed event plus a
// bus.KindSessionID the first time a session id is observed. A line that
// fails to decode as JSON is never dropped: it is republished as a
// bus.KindEvent carrying Payload.RawLine instead of Payload.Event, so the
// runner façade can still forward it to the output callback. It returns
// when r reaches EOF, ctx is cancelled, or the scanner errors.
//
// A bufio.Scanner bounded to maxLineSize feeds events to callers
// exclusively through the bus.
func runStdoutPipeline(ctx context.Context, r io.Reader, backend cliproto.Backend, b *bus.Bus, component string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

	sawSessionID := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		if !sawSessionID {
			if id := backend.ExtractSessionID(raw); id != "" {
				sawSessionID = true
				b.Emit(bus.Payload{Kind: bus.KindSessionID, SessionID: id})
			}
		}

		ev, ok, err := backend.ParseEvent(raw)
		if err != nil {
			telemetry.LogKV(component, "failed to parse stream line", "error", err, "line_len", len(raw))
			b.Emit(bus.Payload{Kind: bus.KindEvent, RawLine: rawLinePrefix + string(raw)})
			continue
		}
		if !ok {
			continue
		}

		b.Emit(bus.Payload{Kind: bus.KindActivity})
		b.Emit(bus.Payload{Kind: bus.KindEvent, Event: ev})
	}

	if err := scanner.Err(); err != nil {
		telemetry.LogKV(component, "stdout pipeline scanner error", "error", err)
	}
}
