package fetch

import (
	"strconv"
	"strings"
)

// TileURL fills {z} {x} {y} {-y} {s} of the template. Subdomains rotate per tile.
func TileURL(template string, z, x, y int, subdomains []string) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{-y}", strconv.Itoa((1<<z)-y-1),
	)
	url := r.Replace(template)
	if len(subdomains) > 0 && strings.Contains(url, "{s}") {
		url = strings.ReplaceAll(url, "{s}", subdomains[(x+y)%len(subdomains)])
	}
	return url
}
