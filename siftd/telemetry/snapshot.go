package telemetry

import (
	"context"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-sysinfo"
)

// ServerProviderEnv optionally carries a human-readable hosting provider
// label, surfaced verbatim in the snapshot record.
const ServerProviderEnv = "SIFT_SERVER_PROVIDER"

// IndexStats are the per-index numbers reported with each snapshot.
type IndexStats struct {
	NumberOfDocuments uint64 `json:"number_of_documents"`
}

// Stats are the instance-level numbers gathered fresh for every snapshot.
type Stats struct {
	DatabaseSize uint64                `json:"database_size"`
	Indexes      map[string]IndexStats `json:"indexes"`
}

// RuntimeFeatures are the toggleable features currently enabled on the
// instance.
type RuntimeFeatures struct {
	VectorStore             bool `json:"vector_store"`
	Metrics                 bool `json:"metrics"`
	ContainsFilter          bool `json:"contains_filter"`
	EditDocumentsByFunction bool `json:"edit_documents_by_function"`
}

// StatsProvider reports the current state of the instance. It is consulted
// once per flush; host facts are gathered separately, once, at reporter
// construction.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
	Features(ctx context.Context) (RuntimeFeatures, error)
}

// gatherHostFacts collects hardware and OS facts. They cannot change while
// the process runs, so the reporter caches the result for its lifetime.
// Anything that cannot be determined is simply absent.
func gatherHostFacts() Properties {
	facts := Properties{
		"cores": runtime.NumCPU(),
	}
	if provider := os.Getenv(ServerProviderEnv); provider != "" {
		facts["server_provider"] = provider
	}
	host, err := sysinfo.Host()
	if err != nil {
		return facts
	}
	info := host.Info()
	facts["distribution"] = info.OS.Name
	// Strip the build suffix: "6.1.0-13-amd64" reports as "6.1.0".
	if kernel, _, found := strings.Cut(info.KernelVersion, "-"); found {
		facts["kernel_version"] = kernel
	}
	if mem, err := host.Memory(); err == nil {
		facts["ram_size"] = mem.Total
	}
	return facts
}

// computeTraits assembles the identify payload of one snapshot record.
func computeTraits(system Properties, sinceStart time.Duration, stats Stats, infos Properties) Properties {
	documents := make([]uint64, 0, len(stats.Indexes))
	for _, index := range stats.Indexes {
		documents = append(documents, index.NumberOfDocuments)
	}
	sort.Slice(documents, func(i, j int) bool { return documents[i] < documents[j] })

	return Properties{
		"start_since_days": uint64(sinceStart.Hours()) / 24,
		"system":           system,
		"stats": Properties{
			"database_size":    stats.DatabaseSize,
			"indexes_number":   len(stats.Indexes),
			"documents_number": documents,
		},
		"infos": infos,
	}
}
