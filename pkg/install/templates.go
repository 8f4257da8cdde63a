package install

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

const unitTemplate = `# Generated by botctl. Changes are overwritten by botctl install.
[Unit]
Description={{ .Service }} bot
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{ .User }}
Group={{ .Group }}
WorkingDirectory={{ .CodeDir }}
EnvironmentFile=-{{ .EnvFile }}
Environment=PYTHONUNBUFFERED=1
ExecStart={{ .Python }} {{ .Entrypoint }}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{ .LogsDir }}/{{ .Service }}.log
StandardError=append:{{ .LogsDir }}/{{ .Service }}.error.log

[Install]
WantedBy=multi-user.target
`

const logrotateTemplate = `# Generated by botctl. Changes are overwritten by botctl install.
{{ .LogsDir }}/*.log {
    daily
    rotate 14
    missingok
    notifempty
    compress
    delaycompress
    su {{ .User }} {{ .Group }}
    create 0640 {{ .User }} {{ .Group }}
    sharedscripts
    postrotate
        systemctl reload-or-restart {{ .Unit }} > /dev/null 2>&1 || true
    endscript
}
`

var (
	unitTmpl      = template.Must(template.New("unit").Parse(unitTemplate))
	logrotateTmpl = template.Must(template.New("logrotate").Parse(logrotateTemplate))
)

type templateData struct {
	Service    string
	Unit       string
	User       string
	Group      string
	CodeDir    string
	EnvFile    string
	LogsDir    string
	Python     string
	Entrypoint string
}

func newTemplateData(inst *botdeploy.Installation, group string) templateData {
	if group == "" {
		group = inst.Owner.Name
	}
	return templateData{
		Service:    inst.Config.ServiceName,
		Unit:       inst.Unit(),
		User:       inst.Owner.Name,
		Group:      group,
		CodeDir:    inst.CodeDir(),
		EnvFile:    inst.SecretsPath(),
		LogsDir:    inst.LogsPath(),
		Python:     inst.PythonPath(),
		Entrypoint: inst.Config.Entrypoint,
	}
}

// RenderUnit renders the systemd service unit for inst.
func RenderUnit(inst *botdeploy.Installation, group string) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTmpl.Execute(&buf, newTemplateData(inst, group)); err != nil {
		return nil, fmt.Errorf("render unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderLogrotate renders the logrotate policy for inst's logs directory.
func RenderLogrotate(inst *botdeploy.Installation, group string) ([]byte, error) {
	var buf bytes.Buffer
	if err := logrotateTmpl.Execute(&buf, newTemplateData(inst, group)); err != nil {
		return nil, fmt.Errorf("render logrotate template: %w", err)
	}
	return buf.Bytes(), nil
}

func UnitPath(inst *botdeploy.Installation) string {
	return filepath.Join(inst.Config.UnitDir, inst.Unit())
}

func LogrotatePath(inst *botdeploy.Installation) string {
	return filepath.Join(inst.Config.LogrotateDir, inst.Config.ServiceName)
}

// writeGenerated writes data to path via a temp file. It reports whether
// the content changed.
func writeGenerated(path string, data []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return true, nil
}
