package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/neutrons/post-processing-agent/pkg/types"
)

// ScriptWriterProcessor materializes a per-instrument reduction script
// from a template, or installs a default script, on request.
type ScriptWriterProcessor struct {
	// ServiceStatusTopic is a template string containing "${instrument}",
	// substituted with the request's instrument before publishing.
	ServiceStatusTopic string
	AutoreductionDir   PathResolver // facility/ipts args are ignored; instrument is used alone
	inputDst           string
}

// NewScriptWriterProcessor constructs a ScriptWriterProcessor subscribed
// to inputDestination. autoreductionDirFor maps an instrument name to
// its shared autoreduce directory.
func NewScriptWriterProcessor(inputDestination, serviceStatusTopic string, autoreductionDirFor func(instrument string) string) *ScriptWriterProcessor {
	return &ScriptWriterProcessor{
		ServiceStatusTopic: serviceStatusTopic,
		AutoreductionDir:   func(_, instrument, _ string) (string, string) { return autoreductionDirFor(instrument), "" },
		inputDst:           inputDestination,
	}
}

// InputDestination implements Processor.
func (p *ScriptWriterProcessor) InputDestination() string { return p.inputDst }

// Handle implements Processor. Script-writer requests never spawn a
// worker, so onSpawn is unused.
func (p *ScriptWriterProcessor) Handle(msg types.Message, publish PublishFunc, onSpawn SpawnFunc) error {
	instrument := msg.Upper("instrument")
	if instrument == "" {
		return fmt.Errorf("script writer request missing instrument")
	}

	topic := strings.ReplaceAll(p.ServiceStatusTopic, "${instrument}", instrument)
	status := p.write(msg, instrument)

	return publish(topic, types.Message{"src_id": "postprocessing", "status": status})
}

func (p *ScriptWriterProcessor) write(msg types.Message, instrument string) string {
	autoreductionDir, _ := p.AutoreductionDir("", instrument, "")
	scriptName := fmt.Sprintf("reduce_%s.py", instrument)

	useDefault, _ := msg["use_default"].(bool)
	if useDefault {
		defaultPath := filepath.Join(autoreductionDir, fmt.Sprintf("reduce_%s_default.py", instrument))
		if _, err := os.Stat(defaultPath); err != nil {
			return fmt.Sprintf("Error creating %s reduction script: could not find default script", instrument)
		}
		if err := copyFile(defaultPath, filepath.Join(autoreductionDir, scriptName)); err != nil {
			return fmt.Sprintf("Error creating %s reduction script: %s", instrument, err)
		}
		return fmt.Sprintf("Installed default %s script", instrument)
	}

	templateData, ok := msg["template_data"].(map[string]any)
	if !ok {
		return fmt.Sprintf("Missing %s reduction template", instrument)
	}

	templatePath := filepath.Join(autoreductionDir, fmt.Sprintf("reduce_%s.py.template", instrument))
	templateBytes, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Sprintf("Error creating %s reduction script: could not find template %s", instrument, templatePath)
	}

	tmpl, err := template.New(scriptName).Option("missingkey=error").Parse(string(templateBytes))
	if err != nil {
		return fmt.Sprintf("Error creating %s reduction script: %s", instrument, err)
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, templateData); err != nil {
		return fmt.Sprintf("Error creating %s reduction script: %s", instrument, err)
	}

	if err := os.MkdirAll(autoreductionDir, 0o755); err != nil {
		return fmt.Sprintf("Error creating %s reduction script: %s", instrument, err)
	}
	if err := os.WriteFile(filepath.Join(autoreductionDir, scriptName), rendered.Bytes(), 0o644); err != nil {
		return fmt.Sprintf("Error creating %s reduction script: %s", instrument, err)
	}
	return fmt.Sprintf("Created %s reduction script", instrument)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
