package script

import "fmt"

// Executor is the narrow memory-access surface script.Run needs from its
// host session. *probe.Session satisfies it; script never imports probe,
// keeping the dependency one-directional.
type Executor interface {
	ReadWord(addr uint32, width int) (uint32, error)
	WriteWord(addr uint32, width int, value uint32) error
}

// Run executes sc's statements against sess, substituting params for any
// "$n" RVALUE and using params[0] as the "$" result-sink slot (spec.md
// §4.4). For '|'/'~' operators the current word is read first, combined,
// and written back; '=' writes RVALUE directly. A failed read or write
// aborts execution and is returned as an error (spec.md: "A reply of OK is
// required on writes; failure aborts execution").
func Run(sess Executor, sc *Script, params []uint32) error {
	for i, st := range sc.Body {
		rval, err := resolveRVALUE(st.RHS, params)
		if err != nil {
			return fmt.Errorf("script %s: line %d: %w", sc.Name, i+1, err)
		}

		if st.LHS.Kind == KindResultSink {
			if len(params) == 0 {
				return fmt.Errorf("script %s: line %d: no parameter slot 0 for result sink", sc.Name, i+1)
			}
			params[0] = combine(params[0], st.Op, rval)
			continue
		}

		addr, width, err := resolveTarget(st.LHS)
		if err != nil {
			return fmt.Errorf("script %s: line %d: %w", sc.Name, i+1, err)
		}

		if st.Op == OpAssign {
			if err := sess.WriteWord(addr, width, rval); err != nil {
				return fmt.Errorf("script %s: line %d: %w", sc.Name, i+1, err)
			}
			continue
		}

		cur, err := sess.ReadWord(addr, width)
		if err != nil {
			return fmt.Errorf("script %s: line %d: %w", sc.Name, i+1, err)
		}
		next := combine(cur, st.Op, rval)
		if err := sess.WriteWord(addr, width, next); err != nil {
			return fmt.Errorf("script %s: line %d: %w", sc.Name, i+1, err)
		}
	}
	return nil
}

func combine(cur uint32, op OperKind, rval uint32) uint32 {
	switch op {
	case OpOrEq:
		return cur | rval
	case OpAndNotEq:
		return cur &^ rval
	default:
		return rval
	}
}

func resolveRVALUE(op Operand, params []uint32) (uint32, error) {
	switch op.Kind {
	case KindLiteral:
		return op.Value, nil
	case KindParameter:
		if op.Param >= len(params) {
			return 0, fmt.Errorf("parameter $%d out of range (%d supplied)", op.Param, len(params))
		}
		return params[op.Param], nil
	case KindResultSink:
		if len(params) == 0 {
			return 0, fmt.Errorf("no parameter slot 0 to read")
		}
		return params[0], nil
	}
	return 0, fmt.Errorf("operand kind %d invalid in RVALUE position", op.Kind)
}

func resolveTarget(op Operand) (addr uint32, width int, err error) {
	switch op.Kind {
	case KindAddress:
		return op.Value, 4, nil
	case KindRegister:
		addr, width, ok := Lookup(op.Name)
		if !ok {
			return 0, 0, fmt.Errorf("unknown register %q", op.Name)
		}
		return addr, width, nil
	}
	return 0, 0, fmt.Errorf("operand kind %d invalid in LVALUE position", op.Kind)
}
