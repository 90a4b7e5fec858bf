package sim

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/mpc-coordinator/mpc"
)

const testChainCode = "8d1f2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"

// drive runs a set of sessions in lockstep, routing every round's outbound
// payloads, until all of them report done.
func drive(t *testing.T, sessions map[string]mpc.Session) {
	t.Helper()
	inboxes := make(map[string][][]byte)
	for round := 0; round < 10; round++ {
		next := make(map[string][][]byte)
		done := 0
		for party, sess := range sessions {
			result, err := sess.Advance(context.Background(), inboxes[party])
			require.NoError(t, err, "party %s round %d", party, round)
			for _, out := range result.Outbound {
				targets := out.To
				if len(targets) == 0 {
					for other := range sessions {
						if other != party {
							targets = append(targets, other)
						}
					}
				}
				for _, to := range targets {
					next[to] = append(next[to], out.Body)
				}
			}
			if result.Done {
				done++
			}
		}
		if done == len(sessions) {
			return
		}
		require.Zero(t, done, "parties finished out of step")
		inboxes = next
	}
	t.Fatal("sessions did not finish within the round limit")
}

func runKeygen(t *testing.T, parties []string, threshold int) map[string]*mpc.KeygenResult {
	t.Helper()
	engine := NewEngine()
	sessions := make(map[string]mpc.Session, len(parties))
	keygens := make(map[string]mpc.KeygenSession, len(parties))
	for _, party := range parties {
		sess, err := engine.NewKeygenSession(mpc.KeygenParams{
			SessionID:    "test-session",
			LocalPartyID: party,
			Parties:      parties,
			Threshold:    threshold,
			ChainCodeHex: testChainCode,
		})
		require.NoError(t, err)
		sessions[party] = sess
		keygens[party] = sess
	}
	drive(t, sessions)

	results := make(map[string]*mpc.KeygenResult, len(parties))
	for party, sess := range keygens {
		result, err := sess.Result()
		require.NoError(t, err)
		results[party] = result
	}
	return results
}

func runKeysign(t *testing.T, committee []string, shares map[string]*mpc.KeygenResult, hash []byte) map[string]*mpc.Signature {
	t.Helper()
	engine := NewEngine()
	sessions := make(map[string]mpc.Session, len(committee))
	keysigns := make(map[string]mpc.KeysignSession, len(committee))
	for _, party := range committee {
		sess, err := engine.NewKeysignSession(mpc.KeysignParams{
			SessionID:    "test-session",
			LocalPartyID: party,
			Parties:      committee,
			PublicKeyHex: shares[party].PublicKeyECDSA,
			Keyshare:     shares[party].Keyshare,
			MessageHash:  hash,
		})
		require.NoError(t, err)
		sessions[party] = sess
		keysigns[party] = sess
	}
	drive(t, sessions)

	sigs := make(map[string]*mpc.Signature, len(committee))
	for party, sess := range keysigns {
		sig, err := sess.Result()
		require.NoError(t, err)
		sigs[party] = sig
	}
	return sigs
}

func TestKeygenProducesConsistentKey(t *testing.T) {
	parties := []string{"iphone-1f2e", "macbook-9a3c", "ipad-77aa"}
	results := runKeygen(t, parties, 2)

	pubkey := results[parties[0]].PublicKeyECDSA
	require.Len(t, pubkey, 66, "compressed secp256k1 key")
	for _, party := range parties {
		assert.Equal(t, pubkey, results[party].PublicKeyECDSA)
		assert.Equal(t, testChainCode, results[party].ChainCodeHex)
		assert.NotEmpty(t, results[party].Keyshare)
	}
	// shares must differ even though the key is shared
	assert.NotEqual(t, results[parties[0]].Keyshare, results[parties[1]].Keyshare)
}

func TestKeysignTwoOfThree(t *testing.T) {
	parties := []string{"iphone-1f2e", "macbook-9a3c", "ipad-77aa"}
	shares := runKeygen(t, parties, 2)

	hash := sha256.Sum256([]byte("transfer 1 wei to a friend"))
	committee := []string{"iphone-1f2e", "ipad-77aa"}
	sigs := runKeysign(t, committee, shares, hash[:])

	assert.Equal(t, sigs[committee[0]], sigs[committee[1]], "signatures must be identical")

	engine := NewEngine()
	pubkey := shares[parties[0]].PublicKeyECDSA
	require.NoError(t, engine.VerifySignature(pubkey, hash[:], sigs[committee[0]]))

	// any other committee of the same key signs the same hash identically
	other := runKeysign(t, []string{"macbook-9a3c", "ipad-77aa"}, shares, hash[:])
	assert.Equal(t, sigs[committee[0]], other["ipad-77aa"])
}

func TestKeysignFullCommittee(t *testing.T) {
	parties := []string{"alpha", "bravo"}
	shares := runKeygen(t, parties, 2)

	hash := sha256.Sum256([]byte("2-of-2 spend"))
	sigs := runKeysign(t, parties, shares, hash[:])

	engine := NewEngine()
	require.NoError(t, engine.VerifySignature(shares["alpha"].PublicKeyECDSA, hash[:], sigs["alpha"]))
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	parties := []string{"alpha", "bravo"}
	shares := runKeygen(t, parties, 2)

	hash := sha256.Sum256([]byte("authorized transfer"))
	sigs := runKeysign(t, parties, shares, hash[:])

	tampered := sha256.Sum256([]byte("forged transfer"))
	engine := NewEngine()
	assert.Error(t, engine.VerifySignature(shares["alpha"].PublicKeyECDSA, tampered[:], sigs["alpha"]))
}

func TestKeygenParamValidation(t *testing.T) {
	engine := NewEngine()

	_, err := engine.NewKeygenSession(mpc.KeygenParams{
		LocalPartyID: "a", Parties: []string{"a"}, Threshold: 1,
	})
	assert.Error(t, err, "single party")

	_, err = engine.NewKeygenSession(mpc.KeygenParams{
		LocalPartyID: "a", Parties: []string{"a", "b"}, Threshold: 3,
	})
	assert.Error(t, err, "threshold above party count")

	_, err = engine.NewKeygenSession(mpc.KeygenParams{
		LocalPartyID: "c", Parties: []string{"a", "b"}, Threshold: 2,
	})
	assert.Error(t, err, "local party not in committee")

	_, err = engine.NewKeygenSession(mpc.KeygenParams{
		LocalPartyID: "a", Parties: []string{"a", "a"}, Threshold: 2,
	})
	assert.Error(t, err, "duplicate party ids")
}

func TestKeysignParamValidation(t *testing.T) {
	parties := []string{"alpha", "bravo", "charlie"}
	shares := runKeygen(t, parties, 2)
	hash := sha256.Sum256([]byte("payload"))
	engine := NewEngine()

	_, err := engine.NewKeysignSession(mpc.KeysignParams{
		LocalPartyID: "alpha",
		Parties:      []string{"alpha"},
		Keyshare:     shares["alpha"].Keyshare,
		MessageHash:  hash[:],
	})
	assert.Error(t, err, "committee below threshold")

	_, err = engine.NewKeysignSession(mpc.KeysignParams{
		LocalPartyID: "bravo",
		Parties:      []string{"alpha", "bravo"},
		Keyshare:     shares["alpha"].Keyshare, // someone else's share
		MessageHash:  hash[:],
	})
	assert.Error(t, err, "share belongs to another party")

	_, err = engine.NewKeysignSession(mpc.KeysignParams{
		LocalPartyID: "alpha",
		Parties:      []string{"alpha", "bravo"},
		Keyshare:     shares["alpha"].Keyshare,
		MessageHash:  []byte("short"),
	})
	assert.Error(t, err, "hash must be 32 bytes")
}
