package peer

import "strings"

// codecFiltered are the codecs removed from any SDP sent over the
// signaling channel, both have poor TV-side hardware support on the
// sinks this system targets. The locally-set description is left
// untouched so the local encoder stays free to pick VP9 or H.264; only the
// wire copy is filtered.
var codecFiltered = map[string]bool{
	"VP8": true,
	"AV1": true,
}

// FilterSDP removes the rtpmap/rtcp-fb/fmtp lines for VP8 and AV1 and
// strips their payload types from every m=video line. All other lines
// are preserved verbatim, in order.
func FilterSDP(sdp string) string {
	lines := splitSDPLines(sdp)

	removed := make(map[string]bool) // payload type -> removed
	for _, line := range lines {
		pt, codec := parseRtpmap(line)
		if pt != "" && codecFiltered[codec] {
			removed[pt] = true
		}
	}
	if len(removed) == 0 {
		return sdp
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if pt := payloadTypeOf(line); pt != "" && removed[pt] {
			continue
		}
		if strings.HasPrefix(line, "m=video") {
			out = append(out, stripPayloadTypes(line, removed))
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\r\n")
}

func splitSDPLines(sdp string) []string {
	normalized := strings.ReplaceAll(sdp, "\r\n", "\n")
	raw := strings.Split(normalized, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, strings.TrimRight(l, "\r"))
	}
	// Drop a single trailing empty line artifact of the split, if present.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// parseRtpmap extracts (payloadType, codecName) from an
// "a=rtpmap:<pt> <codec>/<clockrate>" line, or ("", "") if the line isn't
// one.
func parseRtpmap(line string) (pt, codec string) {
	const prefix = "a=rtpmap:"
	if !strings.HasPrefix(line, prefix) {
		return "", ""
	}
	rest := line[len(prefix):]
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return "", ""
	}
	pt = rest[:sp]
	codecAndRate := rest[sp+1:]
	slash := strings.IndexByte(codecAndRate, '/')
	if slash < 0 {
		return pt, codecAndRate
	}
	return pt, codecAndRate[:slash]
}

// payloadTypeOf returns the payload type for a=rtpmap/a=rtcp-fb/a=fmtp
// lines, or "" for anything else (including m=video, handled separately).
func payloadTypeOf(line string) string {
	for _, prefix := range []string{"a=rtpmap:", "a=rtcp-fb:", "a=fmtp:"} {
		if strings.HasPrefix(line, prefix) {
			rest := line[len(prefix):]
			if sp := strings.IndexByte(rest, ' '); sp >= 0 {
				return rest[:sp]
			}
			return rest
		}
	}
	return ""
}

// stripPayloadTypes removes the given payload numbers from an m=video
// line's payload list, keeping the first three fixed fields
// (m=video <port> <proto>) intact.
func stripPayloadTypes(mLine string, removed map[string]bool) string {
	fields := strings.Fields(mLine)
	if len(fields) <= 3 {
		return mLine
	}
	kept := fields[:3]
	for _, pt := range fields[3:] {
		if !removed[pt] {
			kept = append(kept, pt)
		}
	}
	return strings.Join(kept, " ")
}
