package soap

import (
	"strconv"
	"strings"
)

// TrackInfo is the DIDL-Lite subset the bridge surfaces.
type TrackInfo struct {
	Title      string
	Artist     string
	Album      string
	ArtworkURL string
}

// ParseDIDL extracts track metadata from a DIDL-Lite document as renderers
// embed it in CurrentTrackMetaData / Info.Metadata. Missing or unparseable
// metadata yields a zero TrackInfo.
func ParseDIDL(metadata string) TrackInfo {
	if metadata == "" || metadata == "NOT_IMPLEMENTED" {
		return TrackInfo{}
	}
	values := leafValues([]byte(metadata))
	info := TrackInfo{
		Title:      values.Get("title"),
		Artist:     values.Get("creator"),
		Album:      values.Get("album"),
		ArtworkURL: values.Get("albumArtURI"),
	}
	if info.Artist == "" {
		info.Artist = values.Get("artist")
	}
	return info
}

// ParseClock converts a UPnP time string ("0:02:14", "1:02:14.500") into
// seconds. Empty and NOT_IMPLEMENTED parse to 0.
func ParseClock(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "NOT_IMPLEMENTED" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}
	var total float64
	for _, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0
		}
		total = total*60 + v
	}
	return total
}

// FormatClock renders seconds as the H:MM:SS form Seek targets expect.
func FormatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return strconv.Itoa(h) + ":" + pad(m) + ":" + pad(s)
}

func pad(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}
