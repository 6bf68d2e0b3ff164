package link

import (
	"log/slog"

	"golang.org/x/net/ipv4"
)

// describe summarizes a datagram for logs.
func describe(d []byte) slog.Attr {
	h, err := ipv4.ParseHeader(d)
	if err != nil {
		return slog.Group("datagram", slog.Int("len", len(d)))
	}
	return slog.Group("datagram",
		slog.Int("len", len(d)),
		slog.String("src", h.Src.String()),
		slog.String("dst", h.Dst.String()),
		slog.Int("proto", h.Protocol))
}
