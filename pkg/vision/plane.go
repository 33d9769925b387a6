package vision

import (
	"image"

	"github.com/disintegration/imaging"
)

// blurSigma matches the sigma OpenCV derives for a 9x9 Gaussian kernel.
const blurSigma = 1.7

// plane is a single 8-bit channel image.
type plane struct {
	w, h int
	pix  []uint8
}

func (p *plane) sameShape(o *plane) bool {
	return p != nil && o != nil && p.w == o.w && p.h == o.h
}

// blurredGray converts img to grayscale and smooths it so sensor noise does
// not register as motion.
func blurredGray(img image.Image) *plane {
	gray := imaging.Blur(imaging.Grayscale(img), blurSigma)
	b := gray.Bounds()
	p := &plane{w: b.Dx(), h: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < p.h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+p.w*4]
		for x := 0; x < p.w; x++ {
			p.pix[y*p.w+x] = row[x*4]
		}
	}
	return p
}

// diffMask marks pixels whose absolute difference exceeds thresh.
func diffMask(a, b *plane, thresh uint8) *plane {
	out := &plane{w: a.w, h: a.h, pix: make([]uint8, len(a.pix))}
	for i := range a.pix {
		d := int(a.pix[i]) - int(b.pix[i])
		if d < 0 {
			d = -d
		}
		if d > int(thresh) {
			out.pix[i] = 255
		}
	}
	return out
}

// dilate applies a 3x3 rectangular dilation the given number of times.
func dilate(m *plane, iterations int) *plane {
	cur := m
	for it := 0; it < iterations; it++ {
		next := &plane{w: cur.w, h: cur.h, pix: make([]uint8, len(cur.pix))}
		for y := 0; y < cur.h; y++ {
			for x := 0; x < cur.w; x++ {
				if cur.pix[y*cur.w+x] == 0 {
					continue
				}
				for dy := -1; dy <= 1; dy++ {
					ny := y + dy
					if ny < 0 || ny >= cur.h {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						nx := x + dx
						if nx < 0 || nx >= cur.w {
							continue
						}
						next.pix[ny*cur.w+nx] = 255
					}
				}
			}
		}
		cur = next
	}
	return cur
}

// region is one 8-connected foreground blob, the equivalent of an external
// contour on a binary mask.
type region struct {
	area       int
	minX, minY int
	maxX, maxY int
}

func (r region) width() int  { return r.maxX - r.minX + 1 }
func (r region) height() int { return r.maxY - r.minY + 1 }

// regions labels 8-connected foreground components of m.
func regions(m *plane) []region {
	seen := make([]bool, len(m.pix))
	var out []region
	stack := make([]int, 0, 256)

	for start := range m.pix {
		if m.pix[start] == 0 || seen[start] {
			continue
		}
		r := region{minX: m.w, minY: m.h, maxX: -1, maxY: -1}
		seen[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%m.w, idx/m.w
			r.area++
			r.minX, r.maxX = min(r.minX, x), max(r.maxX, x)
			r.minY, r.maxY = min(r.minY, y), max(r.maxY, y)

			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= m.h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= m.w {
						continue
					}
					n := ny*m.w + nx
					if m.pix[n] != 0 && !seen[n] {
						seen[n] = true
						stack = append(stack, n)
					}
				}
			}
		}
		out = append(out, r)
	}
	return out
}
