// Package soap is the UPnP control-point plumbing shared by the upnp and
// openhome adapters: SOAP action calls, device description resolution, and
// the DIDL-Lite metadata subset the bridge surfaces. There is no SSDP here;
// renderers are configured with their description URLs.
package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout = 5 * time.Second
	maxBodyBytes   = 1 << 20
)

type Options struct {
	// Timeout bounds each HTTP round trip. Zero selects 5s.
	Timeout time.Duration
	Log     zerolog.Logger
}

// Client posts SOAP actions and fetches device descriptions. Safe for
// concurrent use.
type Client struct {
	http *http.Client
	log  zerolog.Logger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  opts.Log.With().Str("component", "soap").Logger(),
	}
}

// Arg is one SOAP action argument. Order matters to strict devices, so
// arguments travel as a slice, not a map.
type Arg struct {
	Name  string
	Value string
}

// Values holds the leaf elements of a SOAP response, keyed by local element
// name.
type Values map[string]string

func (v Values) Get(name string) string { return v[name] }

// Call posts action to the service control endpoint and returns the response
// values. UPnP faults come back as errors carrying the device's errorCode.
func (c *Client) Call(ctx context.Context, endpoint, serviceType, action string, args []Arg) (Values, error) {
	body := buildEnvelope(serviceType, action, args)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", serviceType+"#"+action))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("soap %s: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("soap %s: read response: %w", action, err)
	}
	values := leafValues(data)
	if resp.StatusCode != http.StatusOK {
		if code := values.Get("errorCode"); code != "" {
			return nil, fmt.Errorf("soap %s: UPnP error %s %s", action, code, values.Get("errorDescription"))
		}
		return nil, fmt.Errorf("soap %s: HTTP %d", action, resp.StatusCode)
	}
	return values, nil
}

func buildEnvelope(serviceType, action string, args []Arg) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, serviceType)
	for _, arg := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>", arg.Name, escape(arg.Value), arg.Name)
	}
	fmt.Fprintf(&b, `</u:%s>`, action)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.String()
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// leafValues collects the character data of every leaf element, keyed by
// local name. Later siblings overwrite earlier ones, which is fine for the
// flat response bodies UPnP services return.
func leafValues(data []byte) Values {
	values := make(Values)
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var stack []string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return values
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(stack) > 0 && stack[len(stack)-1] == t.Name.Local {
				if s := strings.TrimSpace(text.String()); s != "" {
					values[t.Name.Local] = s
				}
				stack = stack[:len(stack)-1]
			}
			text.Reset()
		}
	}
}

// Device is a parsed device description with control URLs resolved against
// the description URL.
type Device struct {
	FriendlyName string
	Services     []Service
}

type Service struct {
	Type       string
	ControlURL string
}

// Service returns the first service whose type starts with typePrefix.
// Matching by prefix tolerates version bumps (":1" vs ":2"); the returned
// Type carries the version the device actually announced, which is what
// SOAP calls must name.
func (d Device) Service(typePrefix string) (Service, bool) {
	for _, s := range d.Services {
		if strings.HasPrefix(s.Type, typePrefix) {
			return s, true
		}
	}
	return Service{}, false
}

type deviceDescription struct {
	Device deviceEntry `xml:"device"`
}

type deviceEntry struct {
	FriendlyName string        `xml:"friendlyName"`
	Services     []serviceDesc `xml:"serviceList>service"`
	Devices      []deviceEntry `xml:"deviceList>device"`
}

type serviceDesc struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// Describe fetches and parses a device description, flattening embedded
// devices into one service list.
func (c *Client) Describe(ctx context.Context, descURL string) (Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, descURL, nil)
	if err != nil {
		return Device{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Device{}, fmt.Errorf("describe %s: %w", descURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Device{}, fmt.Errorf("describe %s: HTTP %d", descURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Device{}, fmt.Errorf("describe %s: read: %w", descURL, err)
	}
	var desc deviceDescription
	if err := xml.Unmarshal(data, &desc); err != nil {
		return Device{}, fmt.Errorf("describe %s: parse: %w", descURL, err)
	}

	base, err := url.Parse(descURL)
	if err != nil {
		return Device{}, err
	}
	dev := Device{FriendlyName: desc.Device.FriendlyName}
	collectServices(&dev, desc.Device, base)
	if len(dev.Services) == 0 {
		return Device{}, fmt.Errorf("describe %s: no services", descURL)
	}
	return dev, nil
}

func collectServices(dev *Device, entry deviceEntry, base *url.URL) {
	for _, s := range entry.Services {
		ref, err := url.Parse(s.ControlURL)
		if err != nil {
			continue
		}
		dev.Services = append(dev.Services, Service{
			Type:       s.ServiceType,
			ControlURL: base.ResolveReference(ref).String(),
		})
	}
	for _, sub := range entry.Devices {
		collectServices(dev, sub, base)
	}
}

// Slug normalizes a renderer name into the zone-id form: lowercase, runs of
// non-alphanumerics collapsed to single dashes.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Target is one configured renderer: a display name, its slug used in zone
// ids, and the device description URL.
type Target struct {
	Name    string
	Slug    string
	DescURL string
}

// ParseTargets parses name=descriptionURL entries. Blank entries are
// skipped; malformed entries and duplicate slugs are errors.
func ParseTargets(entries []string) ([]Target, error) {
	var out []Target
	seen := make(map[string]bool)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, descURL, ok := strings.Cut(entry, "=")
		name, descURL = strings.TrimSpace(name), strings.TrimSpace(descURL)
		if !ok || name == "" || descURL == "" {
			return nil, fmt.Errorf("renderer entry %q: want name=url", entry)
		}
		slug := Slug(name)
		if slug == "" {
			return nil, fmt.Errorf("renderer entry %q: name has no usable characters", entry)
		}
		if seen[slug] {
			return nil, fmt.Errorf("renderer %q: duplicate zone slug %q", name, slug)
		}
		seen[slug] = true
		out = append(out, Target{Name: name, Slug: slug, DescURL: descURL})
	}
	return out, nil
}
