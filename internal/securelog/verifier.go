package securelog

import (
	"bufio"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"

	"github.com/sealedledger/assure/internal/keystore"
	"github.com/sealedledger/assure/internal/mac"
	"github.com/sealedledger/assure/internal/rowcodec"
	"github.com/sealedledger/assure/internal/svcerr"
)

// Report summarizes one verification pass.
type Report struct {
	OK         bool
	RowsTotal  int
	RowsSigned int
	LastError  error
}

// Verify replays the chain over the file at path using keys, returning
// accepted iff every row verifies and the last row is a signature row.
func Verify(path string, keys *keystore.Store) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, svcerr.IO("securelog: open %s: %v", path, err)
	}
	defer f.Close()

	engine, err := mac.New(mac.HMACSHA256)
	if err != nil {
		return Report{}, err
	}

	secret, err := keys.ReadSecret(keystore.AliasInitialKey)
	if err != nil {
		return Report{}, svcerr.KeyStore("securelog: verify: %v", err)
	}
	publicKey, err := keys.ReadPublic(keystore.AliasSignature)
	if err != nil {
		return Report{}, svcerr.KeyStore("securelog: verify: %v", err)
	}

	r := bufio.NewReader(f)

	header, err := rowcodec.ReadRow(r)
	if err != nil {
		return Report{OK: false}, nil
	}
	if len(header) < 2 ||
		string(header[len(header)-2]) != rowcodec.HeaderHMAC ||
		string(header[len(header)-1]) != rowcodec.HeaderSignature {
		return Report{OK: false}, nil
	}
	schemaFieldCount := len(header) - 2

	report := Report{}
	var lastSignature []byte
	var lastMAC string
	lastRowWasSigned := false

	for {
		row, err := rowcodec.ReadRow(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			report.LastError = err
			return Report{OK: false, LastError: err}, nil
		}
		if len(row) != len(header) {
			report.LastError = svcerr.Internal("securelog: row has %d cells, header has %d", len(row), len(header))
			return Report{OK: false, LastError: report.LastError}, nil
		}
		report.RowsTotal++

		sigCell := row[len(row)-1]
		if len(sigCell) > 0 {
			ok, decoded, verr := verifySignatureRow(publicKey, lastSignature, lastMAC, sigCell)
			if verr != nil {
				report.LastError = verr
				return Report{OK: false, LastError: verr}, nil
			}
			if !ok {
				return Report{OK: false}, nil
			}
			lastSignature = decoded
			lastRowWasSigned = true
			report.RowsSigned++
			continue
		}

		lastRowWasSigned = false
		schemaCells := row[:schemaFieldCount]
		macCell := row[schemaFieldCount]

		expectedMAC, nextSecret, merr := engine.MAC(secret, schemaCells)
		if merr != nil {
			report.LastError = merr
			return Report{OK: false, LastError: merr}, nil
		}
		if base64.StdEncoding.EncodeToString(expectedMAC) != string(macCell) {
			return Report{OK: false}, nil
		}
		secret = nextSecret
		lastMAC = string(macCell)
	}

	report.OK = lastRowWasSigned
	return report, nil
}

func verifySignatureRow(pub *rsa.PublicKey, prevSignature []byte, lastMAC string, sigCellB64 []byte) (bool, []byte, error) {
	sig, err := base64.StdEncoding.DecodeString(string(sigCellB64))
	if err != nil {
		return false, nil, svcerr.Crypto("securelog: decode signature: %v", err)
	}
	toVerify := dataToSign(prevSignature, lastMAC)
	digest := sha256.Sum256(toVerify)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return false, nil, nil
	}
	return true, sig, nil
}
