// Package securelog implements the Secure Writer and Secure Verifier: the
// tamper-evident append-only log at the center of the specification,
// generalized from the teacher's internal/audit (SHA-256 hash chain) to the
// specified keyed MAC chain with periodic asymmetric signature rows, and
// grounded on the original ForgeRock CsvSecureMapWriter/CsvSecureVerifier
// in structure (single writer lock, idempotent signature arming, a
// cancel-then-emit close).
package securelog

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"sync"
	"time"

	"github.com/sealedledger/assure/internal/keystore"
	"github.com/sealedledger/assure/internal/mac"
	"github.com/sealedledger/assure/internal/rowcodec"
	"github.com/sealedledger/assure/internal/scheduler"
	"github.com/sealedledger/assure/internal/svcerr"
)

// signatureState is the signature task's state machine: IDLE -> SCHEDULED
// -> RUNNING -> IDLE, with a best-effort cancel edge back to IDLE before
// firing.
type signatureState int

const (
	stateIdle signatureState = iota
	stateScheduled
	stateRunning
)

// Writer appends event rows to path, maintaining a per-row keyed MAC chain
// and periodically emitting a signature row. All mutations of chain state,
// the file handle, and the signature task handle are serialized by a
// single exclusive lock, per the specification's concurrency discipline.
type Writer struct {
	mu sync.Mutex

	file   *os.File
	schema rowcodec.Schema

	engine *mac.Engine
	keys   *keystore.Store
	signer *rsa.PrivateKey

	sched             scheduler.Scheduler
	signatureInterval time.Duration
	sigState          signatureState
	sigHandle         scheduler.Handle

	currentSecret []byte
	lastMAC       string
	lastSignature []byte
	lastRowOffset int64

	headerWritten bool
	closed        bool
}

// Options configures a new Writer.
type Options struct {
	Schema            rowcodec.Schema
	Keys              *keystore.Store
	Scheduler         scheduler.Scheduler
	SignatureInterval time.Duration
	// Resume indicates the file already exists and chain state should be
	// read from the CurrentKey/CurrentSignature aliases instead of the
	// Initial Key.
	Resume bool
}

// Open creates or resumes a Writer appending to path.
func Open(path string, opts Options) (*Writer, error) {
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.NewTimerScheduler()
	}
	if opts.SignatureInterval <= 0 {
		opts.SignatureInterval = time.Minute
	}

	engine, err := mac.New(mac.HMACSHA256)
	if err != nil {
		return nil, err
	}

	var secret []byte
	var lastSig []byte
	if opts.Resume {
		secret, err = opts.Keys.ReadSecret(keystore.AliasCurrentKey)
		if err != nil {
			return nil, svcerr.KeyStore("securelog: resume requires %s in key store: %v", keystore.AliasCurrentKey, err)
		}
		if sig, err := opts.Keys.ReadSecret(keystore.AliasCurrentSignature); err == nil {
			lastSig = sig
		}
	} else {
		secret, err = opts.Keys.ReadSecret(keystore.AliasInitialKey)
		if err != nil {
			return nil, svcerr.KeyStore("securelog: expecting %s in key store: %v", keystore.AliasInitialKey, err)
		}
		if err := opts.Keys.WriteSecret(keystore.AliasCurrentKey, secret); err != nil {
			return nil, err
		}
	}

	signer, err := opts.Keys.ReadPrivate(keystore.AliasSignature)
	if err != nil {
		return nil, svcerr.KeyStore("securelog: expecting %s private key in key store: %v", keystore.AliasSignature, err)
	}

	exists := fileExists(path)
	flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, svcerr.IO("securelog: open %s: %v", path, err)
	}

	w := &Writer{
		file:              f,
		schema:            opts.Schema,
		engine:            engine,
		keys:              opts.Keys,
		signer:            signer,
		sched:             opts.Scheduler,
		signatureInterval: opts.SignatureInterval,
		currentSecret:     secret,
		lastSignature:     lastSig,
		headerWritten:     exists,
	}
	return w, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// WriteHeader emits the schema header plus the two trailing HMAC/SIGNATURE
// columns. Safe to call only once per file; resuming an existing file
// skips it automatically.
func (w *Writer) WriteHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.headerWritten {
		return nil
	}
	header := w.schema.Header()
	cells := make([][]byte, len(header))
	for i, h := range header {
		cells[i] = []byte(h)
	}
	if err := rowcodec.WriteRow(w.file, cells); err != nil {
		return err
	}
	w.headerWritten = true
	return w.file.Sync()
}

// Write appends one data row for event, exactly the five-step algorithm
// specified: canonicalize, MAC, append, persist next secret, arm the
// signature timer if one is not already pending.
func (w *Writer) Write(event map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(event)
}

func (w *Writer) writeLocked(event map[string]any) error {
	if w.closed {
		return svcerr.IO("securelog: writer is closed")
	}
	if !w.headerWritten {
		return svcerr.Internal("securelog: header must be written before data rows")
	}

	cells, err := rowcodec.Canonicalize(w.schema, event)
	if err != nil {
		return err
	}

	macBytes, nextSecret, err := w.engine.MAC(w.currentSecret, cells)
	if err != nil {
		w.fail()
		return err
	}
	macB64 := base64.StdEncoding.EncodeToString(macBytes)

	info, err := w.file.Stat()
	if err != nil {
		w.fail()
		return svcerr.IO("securelog: stat before write: %v", err)
	}
	rowOffset := info.Size()

	row := append(append([][]byte{}, cells...), []byte(macB64), nil)
	if err := rowcodec.WriteRow(w.file, row); err != nil {
		w.fail()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.fail()
		return svcerr.IO("securelog: flush after write: %v", err)
	}

	if err := w.keys.WriteSecret(keystore.AliasCurrentKey, nextSecret); err != nil {
		w.fail()
		return err
	}
	w.currentSecret = nextSecret
	w.lastMAC = macB64
	w.lastRowOffset = rowOffset

	w.armSignatureLocked()
	return nil
}

// fail marks the writer closed without attempting a clean shutdown — an
// I/O or key-store failure mid-write must not let the in-memory chain
// advance past a row that may not have reached disk or the key store.
func (w *Writer) fail() {
	w.closed = true
	_ = w.file.Close()
}

// armSignatureLocked arms the signature task if one is not already
// SCHEDULED or RUNNING, per the idempotent-arming rule: many writes in
// rapid succession yield one signature per interval, not one per event.
// Must be called with w.mu held.
func (w *Writer) armSignatureLocked() {
	if w.sigState != stateIdle {
		return
	}
	w.sigState = stateScheduled
	w.sigHandle = w.sched.After(w.signatureInterval, w.runSignatureTask)
}

// runSignatureTask is invoked by the scheduler when the armed interval
// elapses.
func (w *Writer) runSignatureTask() {
	w.mu.Lock()
	w.sigState = stateRunning
	w.mu.Unlock()

	_ = w.writeSignatureLocked()

	w.mu.Lock()
	w.sigState = stateIdle
	w.sigHandle = nil
	w.mu.Unlock()
}

func (w *Writer) writeSignatureLocked() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeSignatureHoldingLock()
}

// writeSignatureHoldingLock assumes w.mu is already held.
func (w *Writer) writeSignatureHoldingLock() error {
	if w.closed {
		return svcerr.IO("securelog: writer is closed")
	}

	toSign := dataToSign(w.lastSignature, w.lastMAC)
	sig, err := signSHA256(w.signer, toSign)
	if err != nil {
		w.fail()
		return svcerr.Crypto("securelog: sign: %v", err)
	}

	header := w.schema.Header()
	row := make([][]byte, len(header))
	for i := range row {
		row[i] = nil
	}
	row[len(row)-1] = []byte(base64.StdEncoding.EncodeToString(sig))

	if err := rowcodec.WriteRow(w.file, row); err != nil {
		w.fail()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.fail()
		return svcerr.IO("securelog: flush after signature: %v", err)
	}

	if err := w.keys.WriteSecret(keystore.AliasCurrentSignature, sig); err != nil {
		w.fail()
		return err
	}
	w.lastSignature = sig
	return nil
}

// Flush forces persistence of pending I/O.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.file.Sync()
}

// Close cancels any pending signature task, emitting a final signature row
// if the cancellation succeeded before the task fired; if the task was
// already running, Close waits for it to finish instead. Close is
// idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	handle := w.sigHandle
	w.mu.Unlock()

	if handle != nil {
		if handle.Cancel() {
			// Cancelled before it fired: emit the signature ourselves.
			w.mu.Lock()
			w.sigState = stateIdle
			w.sigHandle = nil
			_ = w.writeSignatureHoldingLock()
			w.mu.Unlock()
		} else {
			// Already running: wait for it to finish under its own lock
			// acquisitions rather than ours.
			handle.Wait()
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// CurrentSecret exposes the writer's in-memory secret, used by tests to
// assert invariant 6 (CurrentKey in the key store equals the in-memory
// secret after a clean close).
func (w *Writer) CurrentSecret() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.currentSecret...)
}

// LastRowOffset returns the byte offset at which the most recently written
// data row begins, so a caller can build a direct-seek index instead of
// always scanning the file from the start to find a row by id.
func (w *Writer) LastRowOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRowOffset
}

// dataToSign is the byte sequence signed for a signature row: the previous
// signature (possibly empty) concatenated with the most recent data row's
// MAC, matching the original source's CsvSecureUtils.dataToSign.
func dataToSign(prevSignature []byte, lastMAC string) []byte {
	return append(append([]byte{}, prevSignature...), []byte(lastMAC)...)
}

func signSHA256(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}
