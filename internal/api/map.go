package api

import (
	"fmt"
	"image/color"
	"math"
	"net/http"
	"strconv"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"entity-sync/internal/des"
	"entity-sync/internal/relay"
)

const (
	mapSize    = 512
	mapPadding = 32.0
)

var (
	mapBackground = color.RGBA{12, 12, 28, 255}
	mapGrid       = color.RGBA{30, 30, 45, 255}
	ownerlessDot  = color.RGBA{120, 120, 120, 255}
	peerRing      = color.RGBA{255, 255, 255, 200}
)

// peerColor gives every peer a stable hue.
func peerColor(p des.PeerID) color.Color {
	hue := float64((uint64(p) * 47) % 360)
	r, g, b := hsv(hue, 0.7, 1)
	return color.RGBA{r, g, b, 255}
}

func hsv(h, s, v float64) (uint8, uint8, uint8) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255)
}

// mapBounds returns the world box covering every entity and peer.
func mapBounds(entities []relay.EntityView, peers []relay.PeerView) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	grow := func(x, y float64) {
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	for _, e := range entities {
		grow(float64(e.Pos.X), float64(e.Pos.Y))
	}
	for _, p := range peers {
		grow(float64(p.X), float64(p.Y))
	}
	if math.IsInf(minX, 1) {
		return -1000, -1000, 1000, 1000
	}
	// Keep a minimum extent so a lone entity is not a divide by zero.
	if maxX-minX < 100 {
		minX, maxX = minX-50, maxX+50
	}
	if maxY-minY < 100 {
		minY, maxY = minY-50, maxY+50
	}
	return minX, minY, maxX, maxY
}

// RenderMap draws the ledger: entities colored by owner, peers as rings with
// their authority radius.
func RenderMap(size int, entities []relay.EntityView, peers []relay.PeerView) *gg.Context {
	dc := gg.NewContext(size, size)
	dc.SetColor(mapBackground)
	dc.DrawRectangle(0, 0, float64(size), float64(size))
	dc.Fill()

	dc.SetColor(mapGrid)
	dc.SetLineWidth(1)
	for v := 0.0; v < float64(size); v += 64 {
		dc.DrawLine(v, 0, v, float64(size))
		dc.DrawLine(0, v, float64(size), v)
	}
	dc.Stroke()

	minX, minY, maxX, maxY := mapBounds(entities, peers)
	scale := (float64(size) - 2*mapPadding) / math.Max(maxX-minX, maxY-minY)
	project := func(x, y float64) (float64, float64) {
		return mapPadding + (x-minX)*scale, mapPadding + (y-minY)*scale
	}

	dc.SetFontFace(basicfont.Face7x13)
	for _, p := range peers {
		x, y := project(float64(p.X), float64(p.Y))
		dc.SetColor(peerRing)
		dc.DrawCircle(x, y, float64(des.AuthorityRadius)*scale)
		dc.Stroke()
		dc.SetColor(peerColor(p.Peer))
		dc.DrawCircle(x, y, 6)
		dc.Fill()
		dc.DrawStringAnchored(strconv.FormatUint(uint64(p.Peer), 10), x, y-10, 0.5, 0)
	}

	for _, e := range entities {
		x, y := project(float64(e.Pos.X), float64(e.Pos.Y))
		if e.Authority == nil {
			dc.SetColor(ownerlessDot)
		} else {
			dc.SetColor(peerColor(*e.Authority))
		}
		dc.DrawRectangle(x-2, y-2, 4, 4)
		dc.Fill()
	}

	dc.SetColor(color.White)
	dc.DrawString(fmt.Sprintf("%d entities  %d peers", len(entities), len(peers)), 8, float64(size)-8)
	return dc
}

func (h *routerHandlers) handleMap(w http.ResponseWriter, r *http.Request) {
	size := mapSize
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s >= 64 && s <= 2048 {
		size = s
	}
	dc := RenderMap(size, h.ledger.Entities(), h.peers.Peers())
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := dc.EncodePNG(w); err != nil {
		writeError(w, "Render failed", http.StatusInternalServerError)
	}
}
