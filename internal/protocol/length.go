package protocol

import "fmt"

// LengthPolicy tells the framer how many bytes follow an opcode.
//
// Fixed packets carry exactly Extra bytes after the opcode. Variable packets
// carry their total length (opcode included) in the two bytes after the opcode.
type LengthPolicy struct {
	variable bool
	extra    int
}

// Fixed returns the policy for packets with n bytes after the opcode.
func Fixed(n int) LengthPolicy {
	return LengthPolicy{extra: n}
}

// Variable returns the sentinel-variable policy.
func Variable() LengthPolicy {
	return LengthPolicy{variable: true}
}

// IsVariable reports whether the length travels in-band.
func (p LengthPolicy) IsVariable() bool { return p.variable }

// Extra returns the number of bytes after the opcode of a fixed packet.
func (p LengthPolicy) Extra() int { return p.extra }

func (p LengthPolicy) String() string {
	if p.variable {
		return "variable"
	}
	return fmt.Sprintf("fixed(%d)", p.extra)
}

// LengthTable maps the server opcodes of one phase to their length policy.
// It is immutable once built and safe for concurrent reads.
type LengthTable struct {
	phase    Phase
	policies map[Opcode]LengthPolicy
}

// NewLengthTable builds the table for a phase from its opcode set.
func NewLengthTable(p Phase) (*LengthTable, error) {
	set := opcodesOf(p)
	if set == nil {
		return nil, fmt.Errorf("no opcode set for %s", p)
	}

	policies := make(map[Opcode]LengthPolicy, len(set))
	for op, def := range set {
		policies[op] = def.policy
	}
	return newLengthTable(p, policies)
}

// NewCustomLengthTable builds a table from an explicit mapping.
func NewCustomLengthTable(p Phase, policies map[Opcode]LengthPolicy) (*LengthTable, error) {
	copied := make(map[Opcode]LengthPolicy, len(policies))
	for op, policy := range policies {
		copied[op] = policy
	}
	return newLengthTable(p, copied)
}

func newLengthTable(p Phase, policies map[Opcode]LengthPolicy) (*LengthTable, error) {
	for op, policy := range policies {
		if policy.variable {
			continue
		}
		if policy.extra < 0 || HeaderSize+policy.extra > MaxPacketSize {
			return nil, fmt.Errorf("%s opcode %s: fixed length %d out of range", p, op, policy.extra)
		}
	}
	return &LengthTable{phase: p, policies: policies}, nil
}

// Phase returns the phase the table belongs to.
func (t *LengthTable) Phase() Phase { return t.phase }

// Lookup returns the policy for op, or an *UnknownOpcodeError.
func (t *LengthTable) Lookup(op Opcode) (LengthPolicy, error) {
	policy, ok := t.policies[op]
	if !ok {
		return LengthPolicy{}, &UnknownOpcodeError{Phase: t.phase, Opcode: op}
	}
	return policy, nil
}

// Has reports whether op is known to the table.
func (t *LengthTable) Has(op Opcode) bool {
	_, ok := t.policies[op]
	return ok
}

// Len returns the number of known opcodes.
func (t *LengthTable) Len() int { return len(t.policies) }

// Opcodes lists the opcodes known to the table.
func (t *LengthTable) Opcodes() []Opcode {
	out := make([]Opcode, 0, len(t.policies))
	for op := range t.policies {
		out = append(out, op)
	}
	return out
}
