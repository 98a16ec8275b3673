// Package warehouse implements the client for the historical warehouse
// query endpoint (spec §6.2): a SQL-capable analytical service that
// streams the 11-column block projection for a number range, subject to a
// monthly scan quota. As with internal/storehttp, no warehouse/ClickHouse
// client exists anywhere in the retrieved pack, so this is a small
// net/http + encoding/json streaming client rather than a generated SDK.
package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blockpipe/ingestor/internal/block"
	"github.com/blockpipe/ingestor/internal/ingesterr"
	"github.com/holiman/uint256"
)

const queryPath = "/v1/query"

// Client queries the warehouse for historical block ranges.
type Client struct {
	baseURL     string
	credentials string
	http        *http.Client
}

// New constructs a Client authenticated with the given service credentials.
func New(baseURL, credentials string) *Client {
	return &Client{
		baseURL:     baseURL,
		credentials: credentials,
		http:        &http.Client{Timeout: 5 * time.Minute},
	}
}

type queryRequest struct {
	SQL    string `json:"sql"`
	Params struct {
		Lo uint64 `json:"lo"`
		Hi uint64 `json:"hi"`
	} `json:"params"`
}

type wireRow struct {
	Number          uint64  `json:"number"`
	Timestamp       int64   `json:"timestamp"`
	GasLimit        uint64  `json:"gas_limit"`
	GasUsed         uint64  `json:"gas_used"`
	BaseFeePerGas   uint64  `json:"base_fee_per_gas"`
	TxCount         uint64  `json:"tx_count"`
	Difficulty      string  `json:"difficulty"`
	TotalDifficulty string  `json:"total_difficulty"`
	Size            uint64  `json:"size"`
	BlobGasUsed     *uint64 `json:"blob_gas_used,omitempty"`
	ExcessBlobGas   *uint64 `json:"excess_blob_gas,omitempty"`
}

// rowsQuery is the query string shared by every warehouse read (spec §6.2): the
// 11-column projection, half-open on hi to compose cleanly with chunking.
const rowsQuery = `SELECT number, timestamp, gas_limit, gas_used, base_fee_per_gas, ` +
	`tx_count, difficulty, total_difficulty, size, blob_gas_used, excess_blob_gas ` +
	`FROM blocks WHERE number >= :lo AND number < :hi`

// RowStream decodes one block per call to Next without buffering the full
// result set, keeping a multi-million-row chunk off the heap at once.
type RowStream struct {
	resp *http.Response
	dec  *json.Decoder
	open bool
}

// Close releases the underlying HTTP response.
func (s *RowStream) Close() error { return s.resp.Body.Close() }

// Next decodes the next row. It returns ok=false, err=nil at end of stream.
func (s *RowStream) Next() (block.Block, bool, error) {
	if !s.open {
		if _, err := s.dec.Token(); err != nil {
			return block.Block{}, false, ingesterr.Transport(err)
		}
		s.open = true
	}
	if !s.dec.More() {
		return block.Block{}, false, nil
	}
	var w wireRow
	if err := s.dec.Decode(&w); err != nil {
		return block.Block{}, false, ingesterr.Transport(err)
	}
	b, err := w.toBlock()
	if err != nil {
		return block.Block{}, false, err
	}
	return b, true, nil
}

func (w wireRow) toBlock() (block.Block, error) {
	b := block.Block{
		Number:        w.Number,
		Timestamp:     time.Unix(w.Timestamp, 0),
		GasLimit:      w.GasLimit,
		GasUsed:       w.GasUsed,
		BaseFeePerGas: w.BaseFeePerGas,
		TxCount:       w.TxCount,
		Size:          w.Size,
		BlobGasUsed:   w.BlobGasUsed,
		ExcessBlobGas: w.ExcessBlobGas,
	}
	var err error
	if b.Difficulty, err = parseUint256(w.Difficulty); err != nil {
		return block.Block{}, ingesterr.Validation("warehouse row %d: difficulty: %v", w.Number, err)
	}
	if b.TotalDifficulty, err = parseUint256(w.TotalDifficulty); err != nil {
		return block.Block{}, ingesterr.Validation("warehouse row %d: total_difficulty: %v", w.Number, err)
	}
	return b, nil
}

func parseUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v := new(uint256.Int)
	if err := v.SetFromDecimal(s); err != nil {
		return nil, err
	}
	return v, nil
}

// QueryRange streams rows in [lo, hi). Callers must Close the returned
// stream. A quota rejection surfaces as ingesterr.ErrQuota.
func (c *Client) QueryRange(ctx context.Context, lo, hi uint64) (*RowStream, error) {
	reqBody := queryRequest{SQL: rowsQuery}
	reqBody.Params.Lo = lo
	reqBody.Params.Hi = hi

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, ingesterr.Validation("encode warehouse query: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryPath, bytes.NewReader(data))
	if err != nil {
		return nil, ingesterr.Transport(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.credentials)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ingesterr.Transport(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &RowStream{resp: resp, dec: json.NewDecoder(resp.Body)}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired:
		resp.Body.Close()
		return nil, ingesterr.Quota(fmt.Errorf("warehouse scan quota exceeded: %s", resp.Status))
	default:
		resp.Body.Close()
		return nil, ingesterr.Transport(fmt.Errorf("warehouse query failed: %s", resp.Status))
	}
}
