// Package magnet decodes a magnet URI's info hash and optional
// trackers/display name, per spec §6.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ErrNoInfoHash is returned when the URI carries no recognizable
// urn:btih xt parameter.
var ErrNoInfoHash = errors.New("magnet: no btih info hash found")

// Magnet is a decoded magnet URI.
type Magnet struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
}

type xtParam struct {
	order int // numeric suffix of "xt.N", -1 for bare "xt"
	seq   int // appearance order, tie-break
	value string
}

// Parse decodes uri, which must use the "magnet" scheme. It looks at
// every xt/xt.N parameter in order (by N, then by appearance) and
// returns the first one shaped like urn:btih:<hex40> or
// urn:btih:<base32-32>; other parameters are ignored by the core.
func Parse(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()

	var xts []xtParam
	seq := 0
	for key, values := range q {
		order := -1
		switch {
		case key == "xt":
			order = -1
		case strings.HasPrefix(key, "xt."):
			n, err := strconv.Atoi(key[len("xt."):])
			if err != nil {
				continue
			}
			order = n
		default:
			continue
		}
		for _, v := range values {
			xts = append(xts, xtParam{order: order, seq: seq, value: v})
			seq++
		}
	}
	sort.SliceStable(xts, func(i, j int) bool {
		if xts[i].order != xts[j].order {
			// bare "xt" (order -1) sorts first, then xt.1, xt.2, ...
			return xts[i].order < xts[j].order
		}
		return xts[i].seq < xts[j].seq
	})

	var infoHash [20]byte
	found := false
	for _, xt := range xts {
		if ih, ok := decodeBtih(xt.value); ok {
			infoHash = ih
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoInfoHash
	}

	return &Magnet{
		InfoHash:    infoHash,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
	}, nil
}

func decodeBtih(xt string) ([20]byte, bool) {
	var out [20]byte
	const prefix = "urn:btih:"
	if !strings.HasPrefix(strings.ToLower(xt), prefix) {
		return out, false
	}
	enc := xt[len(prefix):]
	switch len(enc) {
	case 40:
		b, err := hex.DecodeString(enc)
		if err != nil || len(b) != 20 {
			return out, false
		}
		copy(out[:], b)
		return out, true
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil || len(b) != 20 {
			return out, false
		}
		copy(out[:], b)
		return out, true
	default:
		return out, false
	}
}
