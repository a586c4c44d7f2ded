// Package catalog loads the browsable track collection and turns a selection
// of it into the flat pool the quiz pipeline draws from.
package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Separator joins collection names in a track's display path.
const Separator = "//"

// Track is one quiz candidate. Amount counts the one-second segments stored
// for it.
type Track struct {
	UUID   uuid.UUID `json:"uuid"`
	SID    int       `json:"sid"`
	Amount int       `json:"amount"`
	Name   string    `json:"name"`
}

// Node is an entry of the collection tree: either a collection (Data set)
// or a track (UUID and Amount set).
type Node struct {
	Idx    int     `yaml:"idx"`
	Name   string  `yaml:"name"`
	UUID   string  `yaml:"uuid,omitempty"`
	Amount int     `yaml:"amount,omitempty"`
	Data   []*Node `yaml:"data,omitempty"`

	SID int `yaml:"-"`
}

// IsCollection reports whether n groups other nodes.
func (n *Node) IsCollection() bool {
	return n.Data != nil
}

// Collection is a parsed catalog with sids assigned.
type Collection struct {
	Root   *Node
	tracks []Track
}

// Parse reads a YAML collection tree, orders every level by idx and assigns
// sids depth-first so each leaf gets a smaller sid than its parents.
func Parse(r io.Reader) (*Collection, error) {
	var root Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if !root.IsCollection() {
		return nil, fmt.Errorf("decode catalog: root %q has no data", root.Name)
	}

	sortNode(&root)
	next := 0
	assignSIDs(&root, &next)

	c := &Collection{Root: &root}
	if err := c.flatten(&root, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a catalog from an http(s) URL or a local file path.
func Load(ctx context.Context, client *http.Client, location string) (*Collection, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("create catalog request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch catalog: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch catalog: %s", resp.Status)
		}
		return Parse(resp.Body)
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Tracks returns every track in catalog order.
func (c *Collection) Tracks() []Track {
	out := make([]Track, len(c.tracks))
	copy(out, c.tracks)
	return out
}

// Pool returns the tracks covered by the given sids. A sid may name a track
// or a collection, in which case every track beneath it is included. An empty
// selection yields the whole catalog.
func (c *Collection) Pool(sids []int) []Track {
	if len(sids) == 0 {
		return c.Tracks()
	}
	want := make(map[int]bool)
	for _, sid := range sids {
		if n := find(c.Root, sid); n != nil {
			collectSIDs(n, want)
		}
	}
	var pool []Track
	for _, t := range c.tracks {
		if want[t.SID] {
			pool = append(pool, t)
		}
	}
	return pool
}

// Lookup returns the track with the given sid.
func (c *Collection) Lookup(sid int) (Track, bool) {
	for _, t := range c.tracks {
		if t.SID == sid {
			return t, true
		}
	}
	return Track{}, false
}

func (c *Collection) flatten(n *Node, prefix string) error {
	for _, child := range n.Data {
		if child.IsCollection() {
			p := child.Name
			if prefix != "" {
				p = prefix + Separator + child.Name
			}
			if err := c.flatten(child, p); err != nil {
				return err
			}
			continue
		}
		id, err := uuid.Parse(child.UUID)
		if err != nil {
			return fmt.Errorf("track %q: invalid uuid %q: %w", child.Name, child.UUID, err)
		}
		c.tracks = append(c.tracks, Track{
			UUID:   id,
			SID:    child.SID,
			Amount: child.Amount,
			Name:   fmt.Sprintf("%s%s%d. %s", prefix, Separator, child.Idx, child.Name),
		})
	}
	return nil
}

func sortNode(n *Node) {
	sort.SliceStable(n.Data, func(i, j int) bool { return n.Data[i].Idx < n.Data[j].Idx })
	for _, child := range n.Data {
		if child.IsCollection() {
			sortNode(child)
		}
	}
}

func assignSIDs(n *Node, next *int) {
	for _, child := range n.Data {
		if child.IsCollection() {
			assignSIDs(child, next)
		} else {
			child.SID = *next
			*next++
		}
	}
	n.SID = *next
	*next++
}

// find relies on a collection's sid exceeding every sid beneath it.
func find(n *Node, sid int) *Node {
	if n.SID == sid {
		return n
	}
	for _, child := range n.Data {
		if child.IsCollection() {
			if sid > child.SID {
				continue
			}
			return find(child, sid)
		}
		if child.SID == sid {
			return child
		}
	}
	return nil
}

func collectSIDs(n *Node, into map[int]bool) {
	if !n.IsCollection() {
		into[n.SID] = true
		return
	}
	for _, child := range n.Data {
		collectSIDs(child, into)
	}
}
