// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securechip.
//
// go-securechip is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securechip/pkg/keystore"
	"github.com/jeremyhahn/go-securechip/pkg/securechip"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type haltRecord struct {
	called bool
	code   int
}

// runCLI executes one invocation against the emulated chip persisted in dir.
func runCLI(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	out, _, err := runCLIWithHalt(t, dir, stdin, args...)
	return out, err
}

func runCLIWithHalt(t *testing.T, dir, stdin string, args ...string) (string, *haltRecord, error) {
	t.Helper()
	rec := &haltRecord{}
	a := &app{
		v: viper.New(),
		halt: func(code int, err error) {
			rec.called = true
			rec.code = code
		},
	}
	cmd := newRootCmd(a)

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--driver", "emulated", "--data-dir", dir}, args...))

	err := cmd.Execute()
	return out.String(), rec, err
}

func chipInfo(t *testing.T, dir string) ChipInfo {
	t.Helper()
	out, err := runCLI(t, dir, "", "info", "-o", "json")
	require.NoError(t, err)
	var info ChipInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	return info
}

func TestVersion_JSON(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "version", "-o", "json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
	assert.NotEmpty(t, v["go_version"])
}

func TestVersion_Text(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "securechip version "+Version)
}

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	info := chipInfo(t, dir)

	assert.Equal(t, "ATECC608B", info.Model)
	assert.NotEmpty(t, info.DeviceID)
	assert.True(t, info.HardwareCounter)
	assert.False(t, info.Initialized)
	assert.Equal(t, uint8(keystore.DefaultMaxUnlockAttempts), info.MaxUnlockAttempts)
	assert.Greater(t, info.Remaining, uint32(0))

	again := chipInfo(t, dir)
	assert.Equal(t, info.DeviceID, again.DeviceID, "device id survives reboot")
}

func TestInfo_EmulatedModelFromEnv(t *testing.T) {
	t.Setenv("SECURECHIP_EMULATED_MODEL", "optiga")
	info := chipInfo(t, t.TempDir())
	assert.Equal(t, securechip.ModelOptigaTrustMV3.String(), info.Model)
	assert.True(t, info.BudgetOnReset)
}

func TestInfo_Text(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Chip: ATECC608B")
	assert.Contains(t, out, "Initialized: false")
}

func TestPasswordLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "", "password", "init", "--password", "hunter2", "--seed", testSeed)
	require.NoError(t, err)
	assert.Contains(t, out, "Password initialized")
	assert.True(t, chipInfo(t, dir).Initialized)

	out, err = runCLI(t, dir, "", "password", "unlock", "--password", "hunter2")
	require.NoError(t, err)
	assert.Contains(t, out, "Unlocked")

	_, err = runCLI(t, dir, "", "password", "unlock", "--password", "wrong")
	require.ErrorIs(t, err, keystore.ErrIncorrectPassword)
	assert.Contains(t, err.Error(), "9 attempts remaining")
	assert.Equal(t, uint8(1), chipInfo(t, dir).UnlockAttempts)

	// Passwords read from stdin, one per line.
	out, err = runCLI(t, dir, "hunter2\ncorrect horse\n", "password", "change")
	require.NoError(t, err)
	assert.Contains(t, out, "Password changed")

	_, err = runCLI(t, dir, "", "password", "unlock", "--password", "hunter2")
	require.ErrorIs(t, err, keystore.ErrIncorrectPassword)

	out, err = runCLI(t, dir, "correct horse\n", "password", "unlock", "-o", "json")
	require.NoError(t, err)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["unlocked"])
	assert.Equal(t, uint8(0), chipInfo(t, dir).UnlockAttempts)
}

func TestPasswordInit_RandomSeed(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "pw\n", "password", "init")
	require.NoError(t, err)

	_, err = runCLI(t, dir, "pw\n", "password", "unlock")
	require.NoError(t, err)
}

func TestPasswordInit_InvalidSeed(t *testing.T) {
	tests := []struct {
		name string
		seed string
	}{
		{"not hex", "zz"},
		{"too short", "0001"},
		{"too long", testSeed + "00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := runCLI(t, dir, "", "password", "init", "--password", "pw", "--seed", tt.seed)
			require.Error(t, err)
			assert.False(t, chipInfo(t, dir).Initialized)
		})
	}
}

func TestPassword_FromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SECURECHIP_PASSWORD", "from-env")
	_, err := runCLI(t, dir, "", "password", "init")
	require.NoError(t, err)
	_, err = runCLI(t, dir, "", "password", "unlock")
	require.NoError(t, err)
}

func TestPassword_NoInput(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "password", "unlock")
	assert.ErrorIs(t, err, errNoPassword)
}

func TestUnlock_NotInitialized(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "password", "unlock", "--password", "pw")
	assert.ErrorIs(t, err, keystore.ErrNotInitialized)
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "", "password", "init", "--password", "pw", "--seed", testSeed)
	require.NoError(t, err)

	before, err := os.ReadFile(filepath.Join(dir, "memory", "app", "seed"))
	require.NoError(t, err)

	out, err := runCLI(t, dir, "", "rotate", "--password", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "Roll key rotated")

	after, err := os.ReadFile(filepath.Join(dir, "memory", "app", "seed"))
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	_, err = runCLI(t, dir, "", "password", "unlock", "--password", "pw")
	require.NoError(t, err)
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "", "password", "init", "--password", "pw", "--seed", testSeed)
	require.NoError(t, err)

	_, err = runCLI(t, dir, "", "reset")
	assert.ErrorIs(t, err, errForceRequired)
	assert.True(t, chipInfo(t, dir).Initialized)

	out, err := runCLI(t, dir, "", "reset", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Device reset")
	assert.False(t, chipInfo(t, dir).Initialized)
}

func TestAttestation(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "", "attestation", "generate")
	require.NoError(t, err)
	pub := strings.TrimSpace(out)
	assert.Len(t, pub, 2*securechip.AttestationPublicKeySize)

	out, err = runCLI(t, dir, "", "attestation", "generate")
	require.NoError(t, err)
	assert.Equal(t, pub, strings.TrimSpace(out), "existing key is returned")

	challenge := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, 32))
	out, err = runCLI(t, dir, "", "attestation", "sign", challenge)
	require.NoError(t, err)
	sig := strings.TrimSpace(out)
	assert.Len(t, sig, 2*securechip.AttestationSignatureSize)

	out, err = runCLI(t, dir, "", "attestation", "verify", pub, challenge, sig)
	require.NoError(t, err)
	assert.Contains(t, out, "Signature valid")

	other := hex.EncodeToString(bytes.Repeat([]byte{0xCD}, 32))
	out, err = runCLI(t, dir, "", "attestation", "verify", pub, other, sig)
	assert.ErrorIs(t, err, errInvalidSignature)
	assert.Contains(t, out, "Signature invalid")
}

func TestAttestation_InvalidChallenge(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "attestation", "sign", "abcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid challenge")
}

func TestAttestationSign_NoKey(t *testing.T) {
	challenge := hex.EncodeToString(make([]byte, 32))
	_, err := runCLI(t, t.TempDir(), "", "attestation", "sign", challenge)
	assert.ErrorIs(t, err, securechip.ErrAttestationKeyMissing)
}

func TestU2FCounter(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "", "u2f", "set", "41")
	require.NoError(t, err)
	assert.Equal(t, "41\n", out)

	out, err = runCLI(t, dir, "", "u2f", "inc", "-o", "json")
	require.NoError(t, err)
	var res map[string]uint32
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, uint32(42), res["counter"])
}

func TestU2FSet_InvalidValue(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "u2f", "set", "-1")
	assert.Error(t, err)
}

func TestSetupFailureHalts(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, dir, "", "info")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "chip", "emulated"), []byte("garbage"), 0600))

	_, rec, err := runCLIWithHalt(t, dir, "", "info")
	require.Error(t, err)
	assert.True(t, rec.called)
	assert.Equal(t, securechip.SetupCodeState, rec.code)
}

func TestInvalidDriver(t *testing.T) {
	a := &app{v: viper.New()}
	cmd := newRootCmd(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--driver", "se050", "--data-dir", t.TempDir(), "info"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chip driver")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "securechip.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  path: "`+filepath.Join(dir, "data")+`"
chip:
  driver: emulated
  emulated:
    model: atecc608a
keystore:
  max_unlock_attempts: 3
`), 0600))

	a := &app{v: viper.New()}
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "info", "-o", "json"})
	require.NoError(t, cmd.Execute())

	var info ChipInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "ATECC608A", info.Model)
	assert.Equal(t, uint8(3), info.MaxUnlockAttempts)
}

func TestLicenseHeaderIsNotPackageDoc(t *testing.T) {
	for _, dir := range []string{".", "../config", "../../cmd/securechip"} {
		files, err := filepath.Glob(filepath.Join(dir, "*.go"))
		require.NoError(t, err)
		require.NotEmpty(t, files, dir)

		for _, path := range files {
			f, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.PackageClauseOnly|parser.ParseComments)
			require.NoError(t, err, path)
			if f.Doc != nil {
				assert.NotContains(t, f.Doc.Text(), "Copyright", path)
			}
		}
	}
}
