// Package sim is a deterministic threshold engine over secp256k1 used for
// tests, local demos and protocol plumbing work. Keygen is a dealerless
// Shamir sharing: every party deals a random polynomial, shares are the
// summed evaluations and the group key is the sum of the constant-term
// commitments. Signing reconstructs the group secret from Lagrange-weighted
// share contributions at each committee member and produces one RFC 6979
// signature that every member derives identically and cross-checks.
//
// The simulation keeps the coordinator-facing behavior of a real MPC (round
// counts, all-or-nothing aborts, identical outputs) but not its privacy:
// during signing the committee openly combines contributions that reveal
// the group secret to each other. It must never be wired against parties
// that do not already trust each other with the key.
package sim

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/vultisig/mpc-coordinator/common"
	"github.com/vultisig/mpc-coordinator/internal/sigutil"
	"github.com/vultisig/mpc-coordinator/mpc"
)

const (
	payloadCommit  = "commit"
	payloadShare   = "share"
	payloadAck     = "ack"
	payloadPartial = "partial"
	payloadSig     = "sig"
)

// payload is the engine's own round message, opaque to everything above.
type payload struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	Value string `json:"value"`
}

// localShare is the keyshare blob this engine produces and consumes. It is
// persisted sealed by the keyshare store.
type localShare struct {
	PartyID   string         `json:"party_id"`
	Share     string         `json:"share"`
	PublicKey string         `json:"public_key"`
	ChainCode string         `json:"chain_code"`
	Threshold int            `json:"threshold"`
	Indexes   map[string]int `json:"party_indexes"`
}

type Engine struct{}

var _ mpc.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) NewKeygenSession(params mpc.KeygenParams) (mpc.KeygenSession, error) {
	indexes, err := partyIndexes(params.Parties, params.LocalPartyID)
	if err != nil {
		return nil, err
	}
	if params.Threshold < 1 || params.Threshold > len(params.Parties) {
		return nil, fmt.Errorf("invalid threshold %d for %d parties", params.Threshold, len(params.Parties))
	}
	if params.ChainCodeHex != "" {
		if _, err := hex.DecodeString(params.ChainCodeHex); err != nil {
			return nil, fmt.Errorf("invalid chain code: %w", err)
		}
	}
	return &keygenSession{params: params, indexes: indexes}, nil
}

func (e *Engine) NewKeysignSession(params mpc.KeysignParams) (mpc.KeysignSession, error) {
	if len(params.MessageHash) != 32 {
		return nil, fmt.Errorf("message hash must be 32 bytes, got %d", len(params.MessageHash))
	}
	var share localShare
	if err := json.Unmarshal(params.Keyshare, &share); err != nil {
		return nil, fmt.Errorf("fail to parse keyshare: %w", err)
	}
	if share.PartyID != params.LocalPartyID {
		return nil, fmt.Errorf("keyshare belongs to %s, not %s", share.PartyID, params.LocalPartyID)
	}
	if params.PublicKeyHex != "" && params.PublicKeyHex != share.PublicKey {
		return nil, fmt.Errorf("keyshare public key mismatch")
	}
	if len(params.Parties) < share.Threshold {
		return nil, fmt.Errorf("committee of %d below threshold %d", len(params.Parties), share.Threshold)
	}
	local := false
	for _, party := range params.Parties {
		if _, ok := share.Indexes[party]; !ok {
			return nil, fmt.Errorf("party %s holds no share of this key", party)
		}
		if party == params.LocalPartyID {
			local = true
		}
	}
	if !local {
		return nil, fmt.Errorf("local party %s is not in the committee", params.LocalPartyID)
	}
	return &keysignSession{params: params, share: share}, nil
}

// VerifySignature checks a threshold signature against the group public
// key: compressed secp256k1 keys verify as ECDSA over the 32-byte hash,
// 32-byte keys as ed25519.
func (e *Engine) VerifySignature(publicKeyHex string, msgHash []byte, sig *mpc.Signature) error {
	return sigutil.VerifySignature(publicKeyHex, msgHash, sig)
}

// curve returns the secp256k1 group shared by every session.
func curve() *big.Int { return gethcrypto.S256().Params().N }

func partyIndexes(parties []string, local string) (map[string]int, error) {
	if len(parties) < 2 {
		return nil, fmt.Errorf("at least two parties are required, got %d", len(parties))
	}
	sorted := make([]string, len(parties))
	copy(sorted, parties)
	sort.Strings(sorted)

	indexes := make(map[string]int, len(sorted))
	for i, party := range sorted {
		if _, ok := indexes[party]; ok {
			return nil, fmt.Errorf("duplicate party id %s", party)
		}
		indexes[party] = i + 1
	}
	if _, ok := indexes[local]; !ok {
		return nil, fmt.Errorf("local party %s is not in the party list", local)
	}
	return indexes, nil
}

func randScalar() (*big.Int, error) {
	n := curve()
	for {
		v, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, fmt.Errorf("fail to draw random scalar: %w", err)
		}
		if v.Sign() > 0 {
			return v, nil
		}
	}
}

func scalarHex(v *big.Int) string {
	buf := make([]byte, 32)
	v.FillBytes(buf)
	return hex.EncodeToString(buf)
}

func parseScalar(s string) (*big.Int, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid scalar encoding: %w", err)
	}
	v := new(big.Int).SetBytes(raw)
	if v.Cmp(curve()) >= 0 {
		return nil, fmt.Errorf("scalar out of range")
	}
	return v, nil
}

func compressPoint(x, y *big.Int) string {
	pub := ecdsa.PublicKey{Curve: gethcrypto.S256(), X: x, Y: y}
	return hex.EncodeToString(gethcrypto.CompressPubkey(&pub))
}

func decodePayloads(incoming [][]byte) ([]payload, error) {
	payloads := make([]payload, 0, len(incoming))
	for _, raw := range incoming {
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("malformed round payload: %w", err)
		}
		if p.From == "" {
			return nil, fmt.Errorf("round payload without sender")
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

func marshalPayload(p payload) []byte {
	raw, err := json.Marshal(p)
	if err != nil {
		// payload has only string fields; this cannot fail
		panic(err)
	}
	return raw
}

// lagrangeAtZero computes the interpolation coefficient of index j over the
// committee's indexes, mod the group order.
func lagrangeAtZero(j int, committee []int) (*big.Int, error) {
	n := curve()
	num := big.NewInt(1)
	den := big.NewInt(1)
	for _, m := range committee {
		if m == j {
			continue
		}
		num.Mul(num, big.NewInt(int64(m)))
		num.Mod(num, n)
		diff := big.NewInt(int64(m - j))
		diff.Mod(diff, n)
		den.Mul(den, diff)
		den.Mod(den, n)
	}
	inv := new(big.Int).ModInverse(den, n)
	if inv == nil {
		return nil, fmt.Errorf("degenerate committee indexes")
	}
	lambda := new(big.Int).Mul(num, inv)
	lambda.Mod(lambda, n)
	return lambda, nil
}

// --- keygen ---

type keygenSession struct {
	params  mpc.KeygenParams
	indexes map[string]int
	step    int

	poly     []*big.Int
	shareAcc *big.Int
	commits  map[string][2]*big.Int
	pubX     *big.Int
	pubY     *big.Int

	result *mpc.KeygenResult
}

var _ mpc.KeygenSession = (*keygenSession)(nil)

func (s *keygenSession) Advance(ctx context.Context, incoming [][]byte) (*mpc.RoundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.step++
	switch s.step {
	case 1:
		return s.deal()
	case 2:
		return s.combine(incoming)
	case 3:
		return s.confirm(incoming)
	default:
		return nil, fmt.Errorf("keygen already finished")
	}
}

// deal picks this party's polynomial and sends the commitment to everyone
// plus one evaluation to each peer.
func (s *keygenSession) deal() (*mpc.RoundResult, error) {
	n := curve()
	s.poly = make([]*big.Int, s.params.Threshold)
	for i := range s.poly {
		coeff, err := randScalar()
		if err != nil {
			return nil, err
		}
		s.poly[i] = coeff
	}
	commitX, commitY := gethcrypto.S256().ScalarBaseMult(s.poly[0].Bytes())
	s.commits = map[string][2]*big.Int{
		s.params.LocalPartyID: {commitX, commitY},
	}

	localIdx := s.indexes[s.params.LocalPartyID]
	s.shareAcc = s.evalPoly(localIdx)
	s.shareAcc.Mod(s.shareAcc, n)

	out := []mpc.Outbound{
		{Body: marshalPayload(payload{
			Type:  payloadCommit,
			From:  s.params.LocalPartyID,
			Value: compressPoint(commitX, commitY),
		})},
	}
	for party, idx := range s.indexes {
		if party == s.params.LocalPartyID {
			continue
		}
		out = append(out, mpc.Outbound{
			To: []string{party},
			Body: marshalPayload(payload{
				Type:  payloadShare,
				From:  s.params.LocalPartyID,
				Value: scalarHex(s.evalPoly(idx)),
			}),
		})
	}
	return &mpc.RoundResult{Outbound: out}, nil
}

// combine folds the peers' evaluations into the local share, sums the
// commitments into the group key and announces it for the cross-check.
func (s *keygenSession) combine(incoming [][]byte) (*mpc.RoundResult, error) {
	payloads, err := decodePayloads(incoming)
	if err != nil {
		return nil, err
	}
	n := curve()
	sharesFrom := map[string]bool{s.params.LocalPartyID: true}
	for _, p := range payloads {
		if _, ok := s.indexes[p.From]; !ok {
			return nil, fmt.Errorf("payload from unknown party %s", p.From)
		}
		switch p.Type {
		case payloadShare:
			if sharesFrom[p.From] {
				return nil, fmt.Errorf("duplicate share from %s", p.From)
			}
			share, err := parseScalar(p.Value)
			if err != nil {
				return nil, fmt.Errorf("bad share from %s: %w", p.From, err)
			}
			s.shareAcc.Add(s.shareAcc, share)
			s.shareAcc.Mod(s.shareAcc, n)
			sharesFrom[p.From] = true
		case payloadCommit:
			if _, ok := s.commits[p.From]; ok {
				return nil, fmt.Errorf("duplicate commitment from %s", p.From)
			}
			raw, err := hex.DecodeString(p.Value)
			if err != nil {
				return nil, fmt.Errorf("bad commitment from %s: %w", p.From, err)
			}
			pub, err := gethcrypto.DecompressPubkey(raw)
			if err != nil {
				return nil, fmt.Errorf("bad commitment from %s: %w", p.From, err)
			}
			s.commits[p.From] = [2]*big.Int{pub.X, pub.Y}
		default:
			return nil, fmt.Errorf("unexpected %s payload in keygen round 1", p.Type)
		}
	}
	for party := range s.indexes {
		if !sharesFrom[party] {
			return nil, fmt.Errorf("missing share from %s", party)
		}
		if _, ok := s.commits[party]; !ok {
			return nil, fmt.Errorf("missing commitment from %s", party)
		}
	}

	s.pubX, s.pubY = nil, nil
	for _, commit := range s.commits {
		if s.pubX == nil {
			s.pubX, s.pubY = new(big.Int).Set(commit[0]), new(big.Int).Set(commit[1])
			continue
		}
		s.pubX, s.pubY = gethcrypto.S256().Add(s.pubX, s.pubY, commit[0], commit[1])
	}

	return &mpc.RoundResult{Outbound: []mpc.Outbound{{
		Body: marshalPayload(payload{
			Type:  payloadAck,
			From:  s.params.LocalPartyID,
			Value: compressPoint(s.pubX, s.pubY),
		}),
	}}}, nil
}

// confirm checks every party derived the same group key and freezes the
// result.
func (s *keygenSession) confirm(incoming [][]byte) (*mpc.RoundResult, error) {
	payloads, err := decodePayloads(incoming)
	if err != nil {
		return nil, err
	}
	pubkey := compressPoint(s.pubX, s.pubY)
	acked := map[string]bool{s.params.LocalPartyID: true}
	for _, p := range payloads {
		if p.Type != payloadAck {
			return nil, fmt.Errorf("unexpected %s payload in keygen round 2", p.Type)
		}
		if p.Value != pubkey {
			return nil, fmt.Errorf("party %s derived a different public key", p.From)
		}
		acked[p.From] = true
	}
	for party := range s.indexes {
		if !acked[party] {
			return nil, fmt.Errorf("missing key confirmation from %s", party)
		}
	}

	blob, err := json.Marshal(localShare{
		PartyID:   s.params.LocalPartyID,
		Share:     scalarHex(s.shareAcc),
		PublicKey: pubkey,
		ChainCode: s.params.ChainCodeHex,
		Threshold: s.params.Threshold,
		Indexes:   s.indexes,
	})
	if err != nil {
		return nil, fmt.Errorf("fail to marshal keyshare: %w", err)
	}
	s.result = &mpc.KeygenResult{
		PublicKeyECDSA: pubkey,
		ChainCodeHex:   s.params.ChainCodeHex,
		Keyshare:       blob,
	}
	return &mpc.RoundResult{Done: true}, nil
}

func (s *keygenSession) evalPoly(x int) *big.Int {
	n := curve()
	xv := big.NewInt(int64(x))
	acc := new(big.Int)
	for i := len(s.poly) - 1; i >= 0; i-- {
		acc.Mul(acc, xv)
		acc.Add(acc, s.poly[i])
		acc.Mod(acc, n)
	}
	return acc
}

func (s *keygenSession) Result() (*mpc.KeygenResult, error) {
	if s.result == nil {
		return nil, fmt.Errorf("keygen has not completed")
	}
	return s.result, nil
}

func (s *keygenSession) Free() {
	s.poly = nil
	s.shareAcc = nil
	s.commits = nil
}

// --- keysign ---

type keysignSession struct {
	params mpc.KeysignParams
	share  localShare
	step   int

	partialSum *big.Int
	got        map[string]bool
	sigHex     string
	result     *mpc.Signature
}

var _ mpc.KeysignSession = (*keysignSession)(nil)

func (s *keysignSession) Advance(ctx context.Context, incoming [][]byte) (*mpc.RoundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.step++
	switch s.step {
	case 1:
		return s.contribute()
	case 2:
		return s.signLocally(incoming)
	case 3:
		return s.crossCheck(incoming)
	default:
		return nil, fmt.Errorf("keysign already finished")
	}
}

// contribute broadcasts this party's Lagrange-weighted share contribution.
func (s *keysignSession) contribute() (*mpc.RoundResult, error) {
	committee := make([]int, 0, len(s.params.Parties))
	for _, party := range s.params.Parties {
		committee = append(committee, s.share.Indexes[party])
	}
	localIdx := s.share.Indexes[s.params.LocalPartyID]
	lambda, err := lagrangeAtZero(localIdx, committee)
	if err != nil {
		return nil, err
	}
	shareScalar, err := parseScalar(s.share.Share)
	if err != nil {
		return nil, fmt.Errorf("corrupt keyshare: %w", err)
	}
	n := curve()
	partial := new(big.Int).Mul(lambda, shareScalar)
	partial.Mod(partial, n)

	s.partialSum = partial
	s.got = map[string]bool{s.params.LocalPartyID: true}

	return &mpc.RoundResult{Outbound: []mpc.Outbound{{
		Body: marshalPayload(payload{
			Type:  payloadPartial,
			From:  s.params.LocalPartyID,
			Value: scalarHex(partial),
		}),
	}}}, nil
}

// signLocally combines the contributions, validates them against the group
// key and produces the deterministic signature every member must match.
func (s *keysignSession) signLocally(incoming [][]byte) (*mpc.RoundResult, error) {
	payloads, err := decodePayloads(incoming)
	if err != nil {
		return nil, err
	}
	n := curve()
	for _, p := range payloads {
		if p.Type != payloadPartial {
			return nil, fmt.Errorf("unexpected %s payload in keysign round 1", p.Type)
		}
		if s.got[p.From] {
			return nil, fmt.Errorf("duplicate contribution from %s", p.From)
		}
		if _, ok := s.share.Indexes[p.From]; !ok {
			return nil, fmt.Errorf("contribution from unknown party %s", p.From)
		}
		partial, err := parseScalar(p.Value)
		if err != nil {
			return nil, fmt.Errorf("bad contribution from %s: %w", p.From, err)
		}
		s.partialSum.Add(s.partialSum, partial)
		s.partialSum.Mod(s.partialSum, n)
		s.got[p.From] = true
	}
	for _, party := range s.params.Parties {
		if !s.got[party] {
			return nil, fmt.Errorf("missing contribution from %s", party)
		}
	}

	// the combined scalar must open the group key or someone contributed
	// garbage; better to abort here than emit a bad signature
	pubX, pubY := gethcrypto.S256().ScalarBaseMult(s.partialSum.Bytes())
	if compressPoint(pubX, pubY) != s.share.PublicKey {
		return nil, fmt.Errorf("combined contributions do not match the group key")
	}

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: gethcrypto.S256(), X: pubX, Y: pubY},
		D:         s.partialSum,
	}
	sig, err := gethcrypto.Sign(s.params.MessageHash, priv)
	if err != nil {
		return nil, fmt.Errorf("fail to sign: %w", err)
	}
	s.sigHex = hex.EncodeToString(sig)

	return &mpc.RoundResult{Outbound: []mpc.Outbound{{
		Body: marshalPayload(payload{
			Type:  payloadSig,
			From:  s.params.LocalPartyID,
			Value: s.sigHex,
		}),
	}}}, nil
}

// crossCheck requires byte-identical signatures from the whole committee
// before releasing the result.
func (s *keysignSession) crossCheck(incoming [][]byte) (*mpc.RoundResult, error) {
	payloads, err := decodePayloads(incoming)
	if err != nil {
		return nil, err
	}
	confirmed := map[string]bool{s.params.LocalPartyID: true}
	for _, p := range payloads {
		if p.Type != payloadSig {
			return nil, fmt.Errorf("unexpected %s payload in keysign round 2", p.Type)
		}
		if p.Value != s.sigHex {
			return nil, fmt.Errorf("party %s produced a different signature", p.From)
		}
		confirmed[p.From] = true
	}
	for _, party := range s.params.Parties {
		if !confirmed[party] {
			return nil, fmt.Errorf("missing signature confirmation from %s", party)
		}
	}

	sig, err := hex.DecodeString(s.sigHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt signature: %w", err)
	}
	der, err := common.GetDerSignature(sig[:32], sig[32:64])
	if err != nil {
		return nil, fmt.Errorf("fail to encode DER signature: %w", err)
	}
	s.result = &mpc.Signature{
		MsgHash:      base64.StdEncoding.EncodeToString(s.params.MessageHash),
		R:            hex.EncodeToString(sig[:32]),
		S:            hex.EncodeToString(sig[32:64]),
		DerSignature: hex.EncodeToString(der),
		RecoveryID:   strconv.Itoa(int(sig[64])),
	}
	return &mpc.RoundResult{Done: true}, nil
}

func (s *keysignSession) Result() (*mpc.Signature, error) {
	if s.result == nil {
		return nil, fmt.Errorf("keysign has not completed")
	}
	return s.result, nil
}

func (s *keysignSession) Free() {
	s.partialSum = nil
	s.share = localShare{}
}
