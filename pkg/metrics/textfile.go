package metrics

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// WriteTextfile dumps the gatherer in the node_exporter textfile format.
// Invocations are short-lived, so metrics are exported on exit rather than
// scraped.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, g)
}
