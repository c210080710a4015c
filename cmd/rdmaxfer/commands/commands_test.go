package commands

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	out, _, err := executeWithStderr(t, args...)

	return out, err
}

func executeWithStderr(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rdmaxfer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reply_timeout: 2s\ndrain_timeout: 2s\nio_timeout: 2s\n"), 0600))

	var out, errOut bytes.Buffer

	cmd := NewRootCmd("test", "none")
	cmd.SetArgs(append(args, "--config", path))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	err := cmd.Execute()

	return out.String(), errOut.String(), err
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, "config", "--port", "5555", "--device", "mlx5_1")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))

	assert.Equal(t, 5555, got["port"])
	assert.Equal(t, "mlx5_1", got["device"])
	assert.Equal(t, "simulated", got["backend"])
	assert.Equal(t, "3s", got["completion_timeout"])
	assert.Equal(t, 2, got["reply_value"])
}

func TestConfigCommandDebugFlag(t *testing.T) {
	out, err := execute(t, "config", "--debug")
	require.NoError(t, err)
	assert.Contains(t, out, "log_level: debug")
}

func TestLoopbackCommand(t *testing.T) {
	out, err := execute(t, "loopback")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3, out)

	client := strings.Fields(lines[1])
	assert.Equal(t, "client", client[0])
	assert.Equal(t, "CLOSED", client[2])
	assert.Equal(t, "1", client[3], "sent")
	assert.Equal(t, "2", client[4], "received")

	server := strings.Fields(lines[2])
	assert.Equal(t, "server", server[0])
	assert.Equal(t, "CLOSED", server[2])
	assert.Equal(t, "1", server[4], "received")
}

func TestDevicesCommand(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "mlx5_0", "ports", "1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mlx5_0", "fw_ver"), []byte("22.31.1014\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mlx5_0", "ports", "1", "state"), []byte("4: ACTIVE\n"), 0644))

	out, err := execute(t, "devices", "--sysfs-root", root, "-o", "yaml")
	require.NoError(t, err)

	var rows []deviceRow
	require.NoError(t, yaml.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)

	assert.Equal(t, "mlx5_0", rows[0].Name)
	assert.Equal(t, "sysfs,simulated", rows[0].Source)
	assert.Equal(t, "22.31.1014", rows[0].Firmware)
	require.NotNil(t, rows[0].Sysfs)
	assert.Equal(t, "ACTIVE", rows[0].Sysfs.Ports[0].State)

	assert.Equal(t, "mlx5_1", rows[1].Name)
	assert.Equal(t, "simulated", rows[1].Source)
	assert.Equal(t, 1, rows[1].Ports)

	table, err := execute(t, "devices", "--sysfs-root", root)
	require.NoError(t, err)
	assert.Contains(t, table, "DEVICE")
	assert.Contains(t, table, "ACTIVE")
}

func TestUnknownBackend(t *testing.T) {
	_, err := execute(t, "loopback", "--backend", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestClientRequiresHost(t *testing.T) {
	_, err := execute(t, "client")
	assert.Error(t, err)
}

func TestClientWarnsAboutSimulatedBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, stderr, err := executeWithStderr(t, "client", "127.0.0.1", "--port", strconv.Itoa(port))
	require.Error(t, err)
	assert.Contains(t, stderr, "cannot reach a peer on another host")
}

func TestClientHelpMentionsHardwareBackend(t *testing.T) {
	out, err := execute(t, "client", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "hardware verbs backend")
}
