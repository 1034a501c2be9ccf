package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neutrons/post-processing-agent/pkg/metrics"
	"github.com/neutrons/post-processing-agent/pkg/types"
)

// CatalogProcessor forwards a data-ready message to a catalog ingest
// service over HTTP, without spawning any worker subprocess.
type CatalogProcessor struct {
	StartedDestination  string
	CompleteDestination string
	ErrorDestination    string

	IngestURL string
	Client    *http.Client
	inputDst  string
}

// NewCatalogProcessor constructs a CatalogProcessor subscribed to
// inputDestination, posting to ingestURL with a 3s timeout.
func NewCatalogProcessor(inputDestination, ingestURL string) *CatalogProcessor {
	return &CatalogProcessor{
		inputDst:  inputDestination,
		IngestURL: ingestURL,
		Client:    &http.Client{Timeout: 3 * time.Second},
	}
}

// InputDestination implements Processor.
func (p *CatalogProcessor) InputDestination() string { return p.inputDst }

// Handle implements Processor.
func (p *CatalogProcessor) Handle(msg types.Message, publish PublishFunc, onSpawn SpawnFunc) error {
	dataFile := msg.String("data_file")
	if dataFile == "" {
		return fmt.Errorf("job message missing data_file")
	}

	if err := publish(p.StartedDestination, msg); err != nil {
		return fmt.Errorf("publishing started transition: %w", err)
	}
	metrics.JobsTotal.WithLabelValues("started").Inc()

	result := msg.Clone()
	if err := p.ingest(dataFile); err != nil {
		result["error"] = fmt.Sprintf("ONCAT: %s", err)
		metrics.JobsTotal.WithLabelValues("error").Inc()
		return publish(p.ErrorDestination, result)
	}
	metrics.JobsTotal.WithLabelValues("complete").Inc()
	return publish(p.CompleteDestination, result)
}

func (p *CatalogProcessor) ingest(dataFile string) error {
	body, err := json.Marshal(map[string]string{"data_file": dataFile})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.IngestURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, string(text))
	}
	return nil
}
