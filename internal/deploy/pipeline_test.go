package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgfm/cert-manager-sub002/internal/utils"
)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	config := &utils.Config{
		LocalActionTimeout:   10 * time.Second,
		NetworkActionTimeout: 10 * time.Second,
	}
	return NewPipeline(config, utils.NewLogger("error"))
}

func testTarget(t *testing.T) Target {
	t.Helper()
	dir := t.TempDir()

	crtPath := filepath.Join(dir, "site.crt")
	keyPath := filepath.Join(dir, "site.key")
	require.NoError(t, os.WriteFile(crtPath, []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n"), 0644))
	require.NoError(t, os.WriteFile(keyPath, []byte("key material"), 0600))

	return Target{
		Name:        "site",
		Fingerprint: "ABCDEF",
		Paths:       map[string]string{"crt": crtPath, "key": keyPath},
		Tokens: map[string]string{
			"name":        "site",
			"fingerprint": "ABCDEF",
			"cert_path":   crtPath,
			"key_path":    keyPath,
			"domain":      "site.example.com",
		},
	}
}

func TestSubstitute(t *testing.T) {
	target := testTarget(t)

	out := target.Substitute("cp {cert_path} /etc/ssl/{name}.crt # {domain}")
	assert.Contains(t, out, target.Paths["crt"])
	assert.Contains(t, out, "/etc/ssl/site.crt")
	assert.Contains(t, out, "site.example.com")

	assert.Equal(t, "{unknown}", target.Substitute("{unknown}"))
}

func TestResolveSource(t *testing.T) {
	target := testTarget(t)

	path, err := target.ResolveSource("cert")
	require.NoError(t, err)
	assert.Equal(t, target.Paths["crt"], path)

	path, err = target.ResolveSource("key")
	require.NoError(t, err)
	assert.Equal(t, target.Paths["key"], path)

	_, err = target.ResolveSource("fullchain")
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	literal := filepath.Join(t.TempDir(), "literal.txt")
	path, err = target.ResolveSource(literal)
	require.NoError(t, err)
	assert.Equal(t, literal, path)
}

func TestPipelineContinuesAfterFailure(t *testing.T) {
	p := newTestPipeline(t)
	target := testTarget(t)
	outDir := t.TempDir()

	first := filepath.Join(outDir, "first.crt")
	third := filepath.Join(outDir, "third.crt")

	actions := []Action{
		{Type: TypeCopy, Name: "first", Spec: &CopySpec{Source: "cert", Destination: first}},
		{Type: TypeCommand, Name: "boom", Spec: &CommandSpec{Command: "exit 3"}},
		{Type: TypeCopy, Name: "third", Spec: &CopySpec{Source: "cert", Destination: third}},
	}

	result := p.Run(context.Background(), target, actions)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ActionsExecuted)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "boom", result.Failures[0].Name)
	require.Len(t, result.Details, 3)
	assert.True(t, result.Details[0].Success)
	assert.False(t, result.Details[1].Success)
	assert.True(t, result.Details[2].Success)

	assert.True(t, utils.FileExists(first))
	assert.True(t, utils.FileExists(third))
}

func TestPipelineObserver(t *testing.T) {
	p := newTestPipeline(t)
	target := testTarget(t)

	var seen []string
	p.SetObserver(func(actionType string, success bool) {
		outcome := "ok"
		if !success {
			outcome = "fail"
		}
		seen = append(seen, actionType+":"+outcome)
	})

	actions := []Action{
		{Type: TypeCommand, Name: "fine", Spec: &CommandSpec{Command: "true"}},
		{Type: TypeCommand, Name: "broken", Spec: &CommandSpec{Command: "false"}},
	}
	p.Run(context.Background(), target, actions)

	assert.Equal(t, []string{"command:ok", "command:fail"}, seen)
}

func TestCopyPermissions(t *testing.T) {
	p := newTestPipeline(t)
	target := testTarget(t)

	destination := filepath.Join(t.TempDir(), "key.pem")
	actions := []Action{
		{Type: TypeCopy, Spec: &CopySpec{Source: "key", Destination: destination, Permissions: "0600"}},
	}

	result := p.Run(context.Background(), target, actions)
	require.True(t, result.Success)

	stat, err := os.Stat(destination)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), stat.Mode().Perm())
}

func TestCommandSubstitutionAndEnv(t *testing.T) {
	p := newTestPipeline(t)
	target := testTarget(t)

	marker := filepath.Join(t.TempDir(), "marker")
	actions := []Action{
		{Type: TypeCommand, Spec: &CommandSpec{
			Command: "echo {domain} $CERT_NAME > " + marker,
			Env:     map[string]string{"CERT_NAME": "{name}"},
		}},
	}

	result := p.Run(context.Background(), target, actions)
	require.True(t, result.Success)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "site.example.com site\n", string(data))
}

func TestNPMContainerModeSkipsPathCopy(t *testing.T) {
	p := newTestPipeline(t)
	target := testTarget(t)

	// Container mode without a shared data directory must not copy the
	// key anywhere, the restart alone picks up the mounted volume.
	spec := &NginxProxyManagerSpec{DockerContainer: "npm"}
	_ = spec.run(context.Background(), p, target)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(cwd, "custom_ssl", "npm-0", "privkey.pem"))
	assert.NoDirExists(t, filepath.Join(cwd, "custom_ssl"))
}

func TestEmailAttachmentLinesWrapped(t *testing.T) {
	target := testTarget(t)

	attachment := filepath.Join(t.TempDir(), "bundle.pem")
	require.NoError(t, os.WriteFile(attachment, bytes.Repeat([]byte("certificate material "), 40), 0644))

	message, err := buildMessage("from@example.com", []string{"to@example.com"}, "renewed", "body", []string{attachment}, target)
	require.NoError(t, err)

	base64Line := regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	wrapped := 0
	for _, line := range strings.Split(string(message), "\r\n") {
		if len(line) > 20 && base64Line.MatchString(line) {
			wrapped++
			assert.LessOrEqual(t, len(line), 76)
		}
	}
	assert.Greater(t, wrapped, 1)
}

func TestActionJSONRoundTrip(t *testing.T) {
	raw := `{"id":"a1","type":"copy","name":"publish","source":"cert","destination":"/etc/ssl/site.crt","permissions":"0644"}`

	var action Action
	require.NoError(t, json.Unmarshal([]byte(raw), &action))
	assert.Equal(t, "a1", action.ID)
	assert.Equal(t, TypeCopy, action.Type)
	assert.Equal(t, "publish", action.Name)

	spec, ok := action.Spec.(*CopySpec)
	require.True(t, ok)
	assert.Equal(t, "cert", spec.Source)
	assert.Equal(t, "/etc/ssl/site.crt", spec.Destination)

	data, err := json.Marshal(action)
	require.NoError(t, err)

	var reparsed Action
	require.NoError(t, json.Unmarshal(data, &reparsed))
	assert.Equal(t, action.Type, reparsed.Type)
	respec := reparsed.Spec.(*CopySpec)
	assert.Equal(t, spec.Destination, respec.Destination)
}

func TestActionUnknownType(t *testing.T) {
	var action Action
	err := json.Unmarshal([]byte(`{"type":"teleport"}`), &action)
	require.Error(t, err)
}

func TestActionValidate(t *testing.T) {
	valid := Action{Type: TypeCopy, Spec: &CopySpec{Source: "cert", Destination: "/tmp/out"}}
	assert.NoError(t, valid.Validate())

	invalid := Action{Type: TypeCopy, Spec: &CopySpec{}}
	err := invalid.Validate()
	assert.Equal(t, utils.ClassValidation, utils.ClassOf(err))

	command := Action{Type: TypeCommand, Spec: &CommandSpec{}}
	assert.Error(t, command.Validate())
}
