package types

import (
	"errors"
	"fmt"
)

// Recognised DNS-SD TXT record keys (spec.md §3).
const (
	TxtKeyTxtVers  = "txtvers"
	TxtKeyE133Vers = "e133vers"
	TxtKeyPriority = "priority"
	TxtKeyScope    = "confScope"
	TxtKeyUid      = "uid"
	TxtKeyModel    = "model"
	TxtKeyManuf    = "manuf"
)

// DefaultScope is used when confScope is absent or empty.
const DefaultScope = "default"

// SupportedTxtVers and SupportedE133Vers are the only version numbers this
// module accepts; any mismatch causes the entry to be silently dropped.
const (
	SupportedTxtVers  = 1
	SupportedE133Vers = 1
)

// DefaultControllerPriority is used for E133ControllerEntry's
// default-construction semantics per spec.md §9's Open Question:
// NewControllerEntry sets Priority to this value and E133Version to
// SupportedE133Vers. Nothing replaces zero values afterwards, so a
// zero-value ControllerEntry keeps 0 in both fields.
const DefaultControllerPriority = 100

// ErrTxtVersionMismatch / ErrMissingField classify why ParseControllerTxt
// or ParseDistributorTxt rejected a TXT record — callers drop the entry
// and log, per spec.md §7's "Protocol violation" handling; these errors
// never propagate to a peer.
var (
	ErrTxtVersionMismatch = errors.New("types: txtvers/e133vers mismatch")
	ErrMissingField       = errors.New("types: required TXT field missing")
	ErrPriorityRange      = errors.New("types: priority out of range")
)

// ControllerEntry describes one resolved or to-be-registered E1.33
// controller. Equality compares every field (used to suppress redundant
// DNS-SD updates per R3).
type ControllerEntry struct {
	ServiceName  string
	Address      PeerEndpoint
	Priority     int16 // internal signed representation; wire is uint8 0..255
	Scope        string
	Uid          RdmUid
	E133Version  uint8
	Model        string
	Manufacturer string
}

// NewControllerEntry default-constructs an entry with priority and
// e133_version at their documented defaults (spec.md §9 Open Question).
func NewControllerEntry(address PeerEndpoint) ControllerEntry {
	return ControllerEntry{
		Address:     address,
		Priority:    DefaultControllerPriority,
		Scope:       DefaultScope,
		E133Version: SupportedE133Vers,
	}
}

// EffectiveServiceName returns ServiceName, or the deterministic default
// derived from the address's port when ServiceName is empty.
func (c ControllerEntry) EffectiveServiceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	return fmt.Sprintf("E1.33 Controller %d", c.Address.Port)
}

// WirePriority clamps the internal signed representation onto the wire's
// u8 range, per spec.md §9's reconciliation of CONNECT_FAILURE_PENALTY
// (which can drive Priority negative) against the TXT record's uint8 type.
func (c ControllerEntry) WirePriority() uint8 {
	switch {
	case c.Priority < 0:
		return 0
	case c.Priority > 255:
		return 255
	default:
		return uint8(c.Priority)
	}
}

// Equal compares every field, used to suppress redundant registrations.
func (c ControllerEntry) Equal(o ControllerEntry) bool {
	return c.ServiceName == o.ServiceName &&
		c.Address.Equal(o.Address) &&
		c.Priority == o.Priority &&
		c.Scope == o.Scope &&
		c.Uid == o.Uid &&
		c.E133Version == o.E133Version &&
		c.Model == o.Model &&
		c.Manufacturer == o.Manufacturer
}

// UpdateFrom copies every field from o except ServiceName, which is
// preserved unless the caller explicitly assigns it afterward — the
// semantics spec.md §9's Open Question assigns to the source's
// undefined UpdateFrom.
func (c *ControllerEntry) UpdateFrom(o ControllerEntry) {
	name := c.ServiceName
	*c = o
	c.ServiceName = name
}

// BuildTxt renders the entry as an ordered TXT record.
func (c ControllerEntry) BuildTxt() *TxtRecord {
	t := NewTxtRecord().
		SetInt(TxtKeyTxtVers, SupportedTxtVers).
		SetInt(TxtKeyE133Vers, int(c.E133Version)).
		SetInt(TxtKeyPriority, int(c.WirePriority())).
		Set(TxtKeyScope, c.Scope)
	if c.Uid.Valid() {
		t.Set(TxtKeyUid, c.Uid.String())
	}
	if c.Model != "" {
		t.Set(TxtKeyModel, c.Model)
	}
	if c.Manufacturer != "" {
		t.Set(TxtKeyManuf, c.Manufacturer)
	}
	return t
}

// ParseControllerTxt validates and parses a resolved TXT record into the
// entry's non-address fields. A version mismatch or missing required
// field is reported so the caller can silently drop the entry and log.
func ParseControllerTxt(txt *TxtRecord) (ControllerEntry, error) {
	var c ControllerEntry

	txtvers, ok := txt.GetInt(TxtKeyTxtVers)
	if !ok || txtvers != SupportedTxtVers {
		return c, fmt.Errorf("%w: txtvers=%v", ErrTxtVersionMismatch, txtvers)
	}
	e133vers, ok := txt.GetInt(TxtKeyE133Vers)
	if !ok || e133vers != SupportedE133Vers {
		return c, fmt.Errorf("%w: e133vers=%v", ErrTxtVersionMismatch, e133vers)
	}
	priority, ok := txt.GetInt(TxtKeyPriority)
	if !ok {
		return c, fmt.Errorf("%w: %s", ErrMissingField, TxtKeyPriority)
	}
	if priority < 0 || priority > 255 {
		return c, fmt.Errorf("%w: priority=%d", ErrPriorityRange, priority)
	}

	scope, ok := txt.Get(TxtKeyScope)
	if !ok || scope == "" {
		scope = DefaultScope
	}

	c.Priority = int16(priority)
	c.Scope = scope
	c.E133Version = uint8(e133vers)

	if uidStr, ok := txt.Get(TxtKeyUid); ok {
		uid, err := ParseRdmUid(uidStr)
		if err == nil {
			c.Uid = uid
		}
	}
	c.Model, _ = txt.Get(TxtKeyModel)
	c.Manufacturer, _ = txt.Get(TxtKeyManuf)

	return c, nil
}

// DistributorEntry describes one resolved or to-be-registered E1.33
// distributor: as ControllerEntry, minus Priority and Uid.
type DistributorEntry struct {
	ServiceName  string
	Address      PeerEndpoint
	Scope        string
	E133Version  uint8
	Model        string
	Manufacturer string
}

// NewDistributorEntry default-constructs an entry at its documented
// defaults.
func NewDistributorEntry(address PeerEndpoint) DistributorEntry {
	return DistributorEntry{
		Address:     address,
		Scope:       DefaultScope,
		E133Version: SupportedE133Vers,
	}
}

// EffectiveServiceName mirrors ControllerEntry's derivation.
func (d DistributorEntry) EffectiveServiceName() string {
	if d.ServiceName != "" {
		return d.ServiceName
	}
	return fmt.Sprintf("E1.33 Distributor %d", d.Address.Port)
}

// Equal compares every field.
func (d DistributorEntry) Equal(o DistributorEntry) bool {
	return d.ServiceName == o.ServiceName &&
		d.Address.Equal(o.Address) &&
		d.Scope == o.Scope &&
		d.E133Version == o.E133Version &&
		d.Model == o.Model &&
		d.Manufacturer == o.Manufacturer
}

// BuildTxt renders the entry as an ordered TXT record.
func (d DistributorEntry) BuildTxt() *TxtRecord {
	t := NewTxtRecord().
		SetInt(TxtKeyTxtVers, SupportedTxtVers).
		SetInt(TxtKeyE133Vers, int(d.E133Version)).
		Set(TxtKeyScope, d.Scope)
	if d.Model != "" {
		t.Set(TxtKeyModel, d.Model)
	}
	if d.Manufacturer != "" {
		t.Set(TxtKeyManuf, d.Manufacturer)
	}
	return t
}

// ParseDistributorTxt is ParseControllerTxt without the priority field.
func ParseDistributorTxt(txt *TxtRecord) (DistributorEntry, error) {
	var d DistributorEntry

	txtvers, ok := txt.GetInt(TxtKeyTxtVers)
	if !ok || txtvers != SupportedTxtVers {
		return d, fmt.Errorf("%w: txtvers=%v", ErrTxtVersionMismatch, txtvers)
	}
	e133vers, ok := txt.GetInt(TxtKeyE133Vers)
	if !ok || e133vers != SupportedE133Vers {
		return d, fmt.Errorf("%w: e133vers=%v", ErrTxtVersionMismatch, e133vers)
	}

	scope, ok := txt.Get(TxtKeyScope)
	if !ok || scope == "" {
		scope = DefaultScope
	}

	d.Scope = scope
	d.E133Version = uint8(e133vers)
	d.Model, _ = txt.Get(TxtKeyModel)
	d.Manufacturer, _ = txt.Get(TxtKeyManuf)

	return d, nil
}
