package types

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRdmUidRoundTrip(t *testing.T) {
	uid, err := ParseRdmUid("7a70:00000001")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x7a70), uid.Manufacturer)
	assert.Equal(t, uint32(1), uid.Device)
	assert.Equal(t, "7a70:00000001", uid.String())
	assert.True(t, uid.Valid())

	// R1: encode/decode of the 6-byte wire layout is the identity.
	assert.Equal(t, uid, UidFromBytes(uid.Bytes()))
}

func TestRdmUidZeroIsInvalid(t *testing.T) {
	var uid RdmUid
	assert.False(t, uid.Valid())
}

func TestRdmUidParseRejectsGarbage(t *testing.T) {
	_, err := ParseRdmUid("not-a-uid")
	assert.ErrorIs(t, err, ErrInvalidUid)
}

func TestPeerEndpointWildcard(t *testing.T) {
	var zero PeerEndpoint
	assert.True(t, zero.IsWildcard())

	ep, err := ParsePeerEndpoint("192.0.2.1:5569")
	require.NoError(t, err)
	assert.False(t, ep.IsWildcard())
	assert.Equal(t, "192.0.2.1:5569", ep.String())
}

func TestPeerEndpointEqualAndLess(t *testing.T) {
	a := NewPeerEndpoint(netip.MustParseAddr("192.0.2.1"), 5569)
	b := NewPeerEndpoint(netip.MustParseAddr("192.0.2.2"), 5569)
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Less(b))
}

func TestTxtRecordDeterministicOrder(t *testing.T) {
	a := NewTxtRecord().SetInt(TxtKeyTxtVers, 1).SetInt(TxtKeyE133Vers, 1).SetInt(TxtKeyPriority, 50)
	b := NewTxtRecord().SetInt(TxtKeyTxtVers, 1).SetInt(TxtKeyE133Vers, 1).SetInt(TxtKeyPriority, 50)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Strings(), b.Strings())

	// R3: two builds of the same logical record produce byte-identical TXT.
	entry := NewControllerEntry(NewPeerEndpoint(netip.MustParseAddr("192.0.2.1"), 5569))
	assert.Equal(t, entry.BuildTxt().Strings(), entry.BuildTxt().Strings())
}

func TestParseTxtStringsReadsIntValue(t *testing.T) {
	record := ParseTxtStrings([]string{"txtvers=1", "e133vers=1", "priority=50", "confScope=default"})
	v, ok := record.GetInt(TxtKeyPriority)
	require.True(t, ok)
	assert.Equal(t, 50, v)
}

func TestControllerEntryEqualSuppressesRedundantUpdates(t *testing.T) {
	addr := NewPeerEndpoint(netip.MustParseAddr("192.0.2.1"), 5569)
	a := NewControllerEntry(addr)
	b := NewControllerEntry(addr)
	assert.True(t, a.Equal(b))

	b.Priority = 50
	assert.False(t, a.Equal(b))
}

func TestControllerEntryEffectiveServiceNameIsDeterministic(t *testing.T) {
	addr := NewPeerEndpoint(netip.MustParseAddr("192.0.2.1"), 5569)
	a := NewControllerEntry(addr)
	b := NewControllerEntry(addr)
	assert.Equal(t, a.EffectiveServiceName(), b.EffectiveServiceName())
	assert.NotEmpty(t, a.EffectiveServiceName())
}

func TestControllerEntryWirePriorityClamps(t *testing.T) {
	addr := NewPeerEndpoint(netip.MustParseAddr("192.0.2.1"), 5569)
	c := NewControllerEntry(addr)
	c.Priority = -100
	assert.Equal(t, uint8(0), c.WirePriority())
	c.Priority = 400
	assert.Equal(t, uint8(255), c.WirePriority())
}

func TestControllerEntryUpdateFromPreservesServiceName(t *testing.T) {
	addr := NewPeerEndpoint(netip.MustParseAddr("192.0.2.1"), 5569)
	a := NewControllerEntry(addr)
	a.ServiceName = "my-name"

	b := NewControllerEntry(addr)
	b.Priority = 77

	a.UpdateFrom(b)
	assert.Equal(t, "my-name", a.ServiceName)
	assert.Equal(t, int16(77), a.Priority)
}

func TestParseControllerTxtRejectsVersionMismatch(t *testing.T) {
	txt := NewTxtRecord().SetInt(TxtKeyTxtVers, 2).SetInt(TxtKeyE133Vers, 1).SetInt(TxtKeyPriority, 1)
	_, err := ParseControllerTxt(txt)
	assert.ErrorIs(t, err, ErrTxtVersionMismatch)
}

func TestParseControllerTxtRequiresPriority(t *testing.T) {
	txt := NewTxtRecord().SetInt(TxtKeyTxtVers, 1).SetInt(TxtKeyE133Vers, 1)
	_, err := ParseControllerTxt(txt)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseControllerTxtDefaultsScope(t *testing.T) {
	txt := NewTxtRecord().SetInt(TxtKeyTxtVers, 1).SetInt(TxtKeyE133Vers, 1).SetInt(TxtKeyPriority, 50)
	entry, err := ParseControllerTxt(txt)
	require.NoError(t, err)
	assert.Equal(t, DefaultScope, entry.Scope)
}

func TestParseDistributorTxtDoesNotRequirePriority(t *testing.T) {
	txt := NewTxtRecord().SetInt(TxtKeyTxtVers, 1).SetInt(TxtKeyE133Vers, 1)
	_, err := ParseDistributorTxt(txt)
	assert.NoError(t, err)
}
