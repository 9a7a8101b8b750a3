package geo

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/example/campus-escort/internal/models"
)

// Gazetteer geocodes well-known campus landmarks without calling out.
type Gazetteer struct {
	places map[string]models.Place
}

type gazetteerFile struct {
	Places []struct {
		Name    string   `yaml:"name"`
		Aliases []string `yaml:"aliases"`
		Address string   `yaml:"address"`
		Lat     float64  `yaml:"lat"`
		Lon     float64  `yaml:"lon"`
	} `yaml:"places"`
}

func LoadGazetteer(path string) (*Gazetteer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadGazetteer(f)
}

func ReadGazetteer(r io.Reader) (*Gazetteer, error) {
	var gf gazetteerFile
	if err := yaml.NewDecoder(r).Decode(&gf); err != nil {
		return nil, fmt.Errorf("decode gazetteer: %w", err)
	}
	g := &Gazetteer{places: make(map[string]models.Place)}
	for _, p := range gf.Places {
		if p.Name == "" {
			return nil, fmt.Errorf("gazetteer entry without name")
		}
		addr := p.Address
		if addr == "" {
			addr = p.Name
		}
		place := models.Place{Lat: p.Lat, Lon: p.Lon, Address: addr}
		for _, key := range append([]string{p.Name}, p.Aliases...) {
			g.places[normalize(key)] = place
		}
	}
	return g, nil
}

func (g *Gazetteer) Geocode(_ context.Context, text string) (*models.Place, error) {
	p, ok := g.places[normalize(text)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (g *Gazetteer) Len() int { return len(g.places) }

// normalize lowercases, drops punctuation and collapses whitespace.
func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
