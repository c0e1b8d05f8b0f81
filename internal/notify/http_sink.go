package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	events "github.com/docker/go-events"
)

// HTTPSink delivers Events to a webhook endpoint as a JSON POST, the
// out-of-process counterpart to ChannelSink. Grounded on
// notifications/bridge.go's sink-dispatch idiom (a Sink as the single
// seam between the event queue and delivery), simplified to a direct
// POST since Converge's Event already carries every field a webhook
// consumer needs, unlike the teacher's URLBuilder-dependent manifest/blob
// event envelope.
type HTTPSink struct {
	URL     string
	Headers http.Header
	Client  *http.Client
}

// NewHTTPSink returns an HTTPSink posting to url with the given timeout.
func NewHTTPSink(url string, headers http.Header, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Write implements events.Sink.
func (s *HTTPSink) Write(ev events.Event) error {
	e, ok := ev.(Event)
	if !ok {
		return fmt.Errorf("notify: unexpected event type %T", ev)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range s.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify: endpoint %s responded %s", s.URL, resp.Status)
	}
	return nil
}

// Close implements events.Sink. HTTPSink holds no resources of its own.
func (s *HTTPSink) Close() error { return nil }

// ignoredSink discards events of configured kinds and passes the rest
// along, grounded on notifications/sinks.go's ignoredSink (which filters
// by target media type/action instead of Kind).
type ignoredSink struct {
	events.Sink
	ignored map[Kind]bool
}

// NewIgnoredSink wraps sink to drop events whose Kind is in ignored. If
// ignored is empty, sink is returned unwrapped.
func NewIgnoredSink(sink events.Sink, ignored []string) events.Sink {
	if len(ignored) == 0 {
		return sink
	}
	m := make(map[Kind]bool, len(ignored))
	for _, k := range ignored {
		m[Kind(k)] = true
	}
	return &ignoredSink{Sink: sink, ignored: m}
}

func (s *ignoredSink) Write(ev events.Event) error {
	if e, ok := ev.(Event); ok && s.ignored[e.Kind] {
		return nil
	}
	return s.Sink.Write(ev)
}
