package entities

import "sort"

// Entities relayed when nothing else is configured.
var DefaultWatched = []string{
	"sensor.esptemp_temperature",
	"sensor.esptemp_humidite",
	"binary_sensor.espir_detection_mouvement",
}

// WatchedSet is the immutable set of entity names the relay forwards.
type WatchedSet struct {
	names map[string]struct{}
}

func NewWatchedSet(names ...string) WatchedSet {
	ws := WatchedSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n != "" {
			ws.names[n] = struct{}{}
		}
	}
	return ws
}

func (ws WatchedSet) Contains(name string) bool {
	_, ok := ws.names[name]
	return ok
}

// Names returns the watched names in a stable order.
func (ws WatchedSet) Names() []string {
	out := make([]string, 0, len(ws.names))
	for n := range ws.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (ws WatchedSet) Len() int {
	return len(ws.names)
}
