package kaspaapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kaspanet/kaspad/app/appmessage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Signer adds signature scripts to an unsigned transaction. Keys never live in
// this process.
type Signer interface {
	Sign(ctx context.Context, tx *appmessage.RPCTransaction) (*appmessage.RPCTransaction, error)
}

const MacHeader = "X-Settler-Mac"

// RemoteSigner posts unsigned transactions to a custody service. Requests are
// authenticated with a keyed blake2b-256 of the body.
type RemoteSigner struct {
	endpoint string
	key      []byte
	client   *http.Client
	logger   *zap.Logger
}

func NewRemoteSigner(endpoint string, key string, timeout time.Duration, logger *zap.Logger) (*RemoteSigner, error) {
	if len(key) > blake2b.Size {
		return nil, errors.Errorf("signer key longer than %d bytes", blake2b.Size)
	}
	return &RemoteSigner{
		endpoint: endpoint,
		key:      []byte(key),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(zap.String("component", "remote_signer"), zap.String("endpoint", endpoint)),
	}, nil
}

func SignatureFor(key []byte, body []byte) (string, error) {
	mac, err := blake2b.New256(key)
	if err != nil {
		return "", errors.Wrap(err, "failed creating blake2b mac")
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (rs *RemoteSigner) Sign(ctx context.Context, tx *appmessage.RPCTransaction) (*appmessage.RPCTransaction, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal transaction to json")
	}
	sig, err := SignatureFor(rs.key, body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rs.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed building signer request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MacHeader, sig)

	resp, err := rs.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed calling signer")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed reading signer response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("signer returned %d: %s", resp.StatusCode, string(raw))
	}
	signed := &appmessage.RPCTransaction{}
	if err := json.Unmarshal(raw, signed); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal signed transaction")
	}
	rs.logger.Debug("transaction signed", zap.Int("inputs", len(signed.Inputs)))
	return signed, nil
}
