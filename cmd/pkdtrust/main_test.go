package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/pkd-trust/cert/certtest"
	"github.com/houzhh15/pkd-trust/sod/sodtest"
)

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })

	root := newRootCommand()
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestCLI_ImportAndVerify(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "pkdtrust.yaml", []byte(fmt.Sprintf(`
database:
  dsn: %s
logging:
  output: file
  file: %s
crl_cache:
  backend: bolt
  bolt_path: %s
`, filepath.Join(dir, "trust.db"), filepath.Join(dir, "cli.log"), filepath.Join(dir, "crl.bolt"))))

	csca := certtest.NewCSCA(t, "KR", "CSCA-KR")
	dsc := csca.IssueDSC(t, "DSC-KR-01")
	cscaFile := writeFile(t, dir, "csca.pem", csca.PEM())
	dscFile := writeFile(t, dir, "dsc.der", dsc.Cert.Raw)

	out, err := execute(t, "import-cert", "-c", cfg, "--role", "csca", cscaFile)
	require.NoError(t, err)
	assert.Contains(t, out, "1 certificate(s), 1 new")
	assert.Contains(t, out, "CSCA")

	out, err = execute(t, "import-cert", "-c", cfg, dscFile)
	require.NoError(t, err)
	assert.Contains(t, out, "1 new")

	out, err = execute(t, "verify-chain", "-c", cfg, "--country", "kr", dscFile)
	require.NoError(t, err)
	assert.Contains(t, out, `"chainValid": true`)

	dgs := map[int][]byte{1: []byte("P<KORHONG<<GILDONG"), 2: {0xFF, 0xD8, 0xFF}}
	built := sodtest.Build(t, sodtest.Options{DataGroups: dgs, Signer: dsc.Key, Certificate: dsc.Cert})
	sodFile := writeFile(t, dir, "EF.SOD", built.Bytes)
	dg1 := writeFile(t, dir, "dg1.bin", dgs[1])
	dg2 := writeFile(t, dir, "dg2.bin", dgs[2])

	args := []string{"verify-passport", "-c", cfg, "--sod", sodFile,
		"--dg", "1=" + dg1, "--dg", "DG2=" + dg2, "--country", "KOR", "--document", "M12345678"}
	out, err = execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "VALID"`)

	now := time.Now()
	crlFile := writeFile(t, dir, "kr.crl", csca.IssueCRL(t, 1, now.Add(-time.Hour), time.Time{},
		certtest.Revoked(dsc.Cert.SerialNumber, now.Add(-time.Minute), 1)))
	out, err = execute(t, "import-crl", "-c", cfg, crlFile)
	require.NoError(t, err)
	assert.Contains(t, out, "1 revoked entries (stored)")

	out, err = execute(t, append(args, "--check-revocation")...)
	var ce cliError
	require.True(t, errors.As(err, &ce), "err = %v", err)
	assert.Equal(t, exitNotTrusted, ce.code)
	assert.Contains(t, out, `"status": "INVALID"`)
	assert.Contains(t, out, "CERTIFICATE_REVOKED")
}

func TestCLI_Errors(t *testing.T) {
	_, err := execute(t, "verify-passport")
	assert.Error(t, err)

	_, err = execute(t, "import-cert")
	assert.Error(t, err)

	_, err = execute(t, "serve", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReadDataGroups(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "dg.bin", []byte{1, 2, 3})

	got, err := readDataGroups([]string{"1=" + file, "dg14=" + file})
	require.NoError(t, err)
	assert.Equal(t, map[int][]byte{1: {1, 2, 3}, 14: {1, 2, 3}}, got)

	for _, bad := range []string{"1", "0=" + file, "17=" + file, "x=" + file, "2=" + filepath.Join(dir, "none")} {
		_, err := readDataGroups([]string{bad})
		assert.Error(t, err, bad)
	}

	_, err = readDataGroups([]string{"3=" + file, "DG3=" + file})
	assert.Error(t, err)
}
