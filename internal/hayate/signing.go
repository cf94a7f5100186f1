package hayate

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// SigningCredentials references the key material for one run. The private
// key and passphrase come from the environment or config and are never
// logged.
type SigningCredentials struct {
	KeyID         string
	PrivateKeyB64 string
	Passphrase    []byte
}

// signingCredentialsFrom collects credentials from config/env. A missing
// passphrase falls back to a terminal prompt, but only when a TTY exists:
// signing itself is strictly non-interactive, so the prompt happens here at
// prepare time or not at all.
func signingCredentialsFrom(cfg *Config) (SigningCredentials, error) {
	creds := SigningCredentials{
		KeyID:         cfg.Values["SIGNING_KEY_ID"],
		PrivateKeyB64: cfg.Values["SIGNING_KEY_B64"],
		Passphrase:    []byte(cfg.Values["SIGNING_PASSPHRASE"]),
	}
	if creds.KeyID == "" {
		return creds, &SigningSetupError{Path: "SIGNING_KEY_ID", Reason: "signing key id not configured"}
	}
	if creds.PrivateKeyB64 == "" {
		return creds, &SigningSetupError{Path: "SIGNING_KEY_B64", Reason: "private key material not configured"}
	}
	if len(creds.Passphrase) == 0 {
		if !term.IsTerminal(int(syscall.Stdin)) {
			return creds, &SigningSetupError{Path: "SIGNING_PASSPHRASE",
				Reason: "no passphrase configured and no TTY for interactive entry; signing runs in batch mode"}
		}
		fmt.Print("Enter signing key passphrase: ")
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return creds, fmt.Errorf("failed to read passphrase: %w", err)
		}
		creds.Passphrase = pw
	}
	return creds, nil
}

// SigningContext is the ephemeral, per-run signing state: an isolated
// keyring home, the imported key's fingerprint, and the passphrase. It is
// created fresh for every pipeline run and torn down on every exit path.
type SigningContext struct {
	KeyringHome string
	StagingDir  string
	Fingerprint string

	passphrase []byte
	tornDown   bool

	// runGPG is injectable for tests; nil runs the real gpg binary.
	runGPG func(ctx context.Context, args []string, stdin []byte) (*OutputTail, error)
}

// PrepareSigning builds the isolated keyring and staging layout, imports the
// key material, and proves the setup can sign non-interactively. All the
// directory and permission invariants live here so a wrong setup fails with
// a named path instead of gpg's generic I/O error.
func PrepareSigning(ctx context.Context, creds SigningCredentials, runDir string) (*SigningContext, error) {
	sc := &SigningContext{
		KeyringHome: filepath.Join(runDir, "keyring"),
		StagingDir:  filepath.Join(runDir, "staging"),
		passphrase:  append([]byte(nil), creds.Passphrase...),
	}

	// The keyring tree must exist, owner-only, BEFORE the import. Importing
	// into a missing or group-accessible home makes gpg fail with an error
	// that never mentions the directory.
	if err := os.MkdirAll(sc.KeyringHome, 0700); err != nil {
		return nil, &SigningSetupError{Path: sc.KeyringHome, Reason: fmt.Sprintf("cannot create keyring home: %v", err)}
	}
	if err := os.Chmod(sc.KeyringHome, 0700); err != nil {
		return nil, &SigningSetupError{Path: sc.KeyringHome, Reason: fmt.Sprintf("cannot restrict keyring home: %v", err)}
	}
	if err := checkOwnerOnly(sc.KeyringHome); err != nil {
		return nil, err
	}

	// The staging area is shared with the build process, which stages
	// intermediate files under paths it does not own exclusively. It needs
	// world-writable-with-sticky-bit, or signing fails with a misleading
	// "file not found".
	if err := os.MkdirAll(sc.StagingDir, 0777); err != nil {
		return nil, &SigningSetupError{Path: sc.StagingDir, Reason: fmt.Sprintf("cannot create staging dir: %v", err)}
	}
	if err := os.Chmod(sc.StagingDir, os.FileMode(0777)|os.ModeSticky); err != nil {
		return nil, &SigningSetupError{Path: sc.StagingDir, Reason: fmt.Sprintf("cannot set sticky bit: %v", err)}
	}
	if err := checkSticky(sc.StagingDir); err != nil {
		return nil, err
	}

	// Batch configuration: any path that would require interactive
	// passphrase entry is a setup error, caught now rather than at sign time.
	gpgConf := "batch\npinentry-mode loopback\nno-tty\n"
	if err := os.WriteFile(filepath.Join(sc.KeyringHome, "gpg.conf"), []byte(gpgConf), 0600); err != nil {
		return nil, &SigningSetupError{Path: sc.KeyringHome, Reason: fmt.Sprintf("cannot write gpg.conf: %v", err)}
	}

	keyData, err := base64.StdEncoding.DecodeString(strings.TrimSpace(creds.PrivateKeyB64))
	if err != nil {
		sc.Teardown()
		return nil, &SigningSetupError{Path: "SIGNING_KEY_B64", Reason: "private key material is not valid base64"}
	}

	if _, err := sc.gpg(ctx, []string{"--import"}, keyData); err != nil {
		sc.Teardown()
		return nil, &SigningSetupError{Path: sc.KeyringHome, Reason: fmt.Sprintf("key import failed: %v", err)}
	}

	fpr, err := sc.resolveFingerprint(ctx, creds.KeyID)
	if err != nil {
		sc.Teardown()
		return nil, err
	}
	sc.Fingerprint = fpr

	return sc, nil
}

// resolveFingerprint finds the imported secret key matching keyID.
func (sc *SigningContext) resolveFingerprint(ctx context.Context, keyID string) (string, error) {
	tail, err := sc.gpg(ctx, []string{"--list-secret-keys", "--with-colons"}, nil)
	if err != nil {
		return "", &SigningSetupError{Path: sc.KeyringHome, Reason: fmt.Sprintf("cannot list imported keys: %v", err)}
	}
	var lastFpr string
	for _, line := range tail.Lines() {
		if strings.HasPrefix(line, "fpr:") {
			fields := strings.Split(line, ":")
			if len(fields) > 9 {
				lastFpr = fields[9]
				if keyID == "" || strings.HasSuffix(lastFpr, strings.ToUpper(keyID)) || strings.HasSuffix(lastFpr, keyID) {
					return lastFpr, nil
				}
			}
		}
	}
	if lastFpr != "" {
		debugf("Signing key id %s not matched exactly, using imported key %s\n", keyID, lastFpr)
		return lastFpr, nil
	}
	return "", &SigningSetupError{Path: sc.KeyringHome, Reason: "no secret key present after import"}
}

// Sign produces a detached armored signature next to the artifact and
// returns the signature path. Strictly batch: no prompt can appear here.
func (sc *SigningContext) Sign(ctx context.Context, artifactPath string) (string, error) {
	if sc.tornDown {
		return "", fmt.Errorf("signing context already torn down")
	}
	if _, err := os.Stat(artifactPath); err != nil {
		return "", fmt.Errorf("artifact missing before signing: %w", err)
	}
	sigPath := artifactPath + ".asc"
	args := []string{
		"--armor", "--detach-sign", "--yes",
		"--local-user", sc.Fingerprint,
		"--passphrase-fd", "0",
		"--output", sigPath,
		artifactPath,
	}
	if _, err := sc.gpg(ctx, args, sc.passphrase); err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", filepath.Base(artifactPath), err)
	}
	return sigPath, nil
}

// Teardown removes the imported private key material and zeroes the
// passphrase. Safe to call more than once; the pipeline calls it on every
// exit path, including cancellation.
func (sc *SigningContext) Teardown() {
	if sc.tornDown {
		return
	}
	sc.tornDown = true
	for i := range sc.passphrase {
		sc.passphrase[i] = 0
	}
	sc.passphrase = nil
	if sc.KeyringHome != "" {
		if err := os.RemoveAll(sc.KeyringHome); err != nil {
			debugf("Warning: failed to remove keyring %s: %v\n", sc.KeyringHome, err)
		}
	}
}

// gpg runs the gpg binary against this context's keyring.
func (sc *SigningContext) gpg(ctx context.Context, args []string, stdin []byte) (*OutputTail, error) {
	if sc.runGPG != nil {
		return sc.runGPG(ctx, args, stdin)
	}
	base := []string{
		"--homedir", sc.KeyringHome,
		"--batch", "--no-tty", "--pinentry-mode", "loopback",
	}
	cmd := exec.Command("gpg", append(base, args...)...)
	cmd.Env = append(os.Environ(), "TMPDIR="+sc.StagingDir)

	ex := &Executor{Context: ctx}
	tail := NewOutputTail(40)
	// bytes.NewReader keeps the passphrase in the slice Teardown zeroes; a
	// string conversion would copy it somewhere the zeroing cannot reach.
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = tail
	cmd.Stderr = tail
	if err := ex.Run(cmd); err != nil {
		return tail, fmt.Errorf("gpg %s: %v", firstArg(args), err)
	}
	return tail, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// checkOwnerOnly verifies a directory is accessible by its owner only.
func checkOwnerOnly(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return &SigningSetupError{Path: path, Reason: fmt.Sprintf("cannot stat: %v", err)}
	}
	if st.Mode&0077 != 0 {
		return &SigningSetupError{Path: path,
			Reason: fmt.Sprintf("keyring home must be owner-only, found mode %04o", st.Mode&0777)}
	}
	return nil
}

// checkSticky verifies the shared staging dir is world-writable with the
// sticky bit set.
func checkSticky(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return &SigningSetupError{Path: path, Reason: fmt.Sprintf("cannot stat: %v", err)}
	}
	if st.Mode&unix.S_ISVTX == 0 || st.Mode&0002 == 0 {
		return &SigningSetupError{Path: path,
			Reason: fmt.Sprintf("staging dir must be world-writable with sticky bit (1777), found mode %04o", st.Mode&07777)}
	}
	return nil
}
