package ot

// Transform adjusts opA so that applying it after opB has already been
// applied produces the same convergent result as applying opB after opA
// would have. opA and opB must be concurrent: both were produced against
// the same base version. See spec §4.1 for the case table this follows.
//
// The single authoritative tie-break for opA.Position == opB.Position is
// lexicographic comparison of ClientID: the lower id is "earlier" and
// keeps its anchor; the higher id shifts exactly as it would if the
// other operation's position were strictly smaller. This must be
// applied symmetrically — for two distinct ClientIDs, Transform(a, b)
// and Transform(b, a) shift exactly one side, never both and never
// neither. Two ops with the same ClientID at the same anchor are both
// left unchanged.
func Transform(opA, opB Operation) (Operation, error) {
	transformed := opA

	switch {
	case opB.Position > opA.Position:
		// B anchors strictly to the right of A; A is unaffected.
		return transformed, nil

	case opB.Position < opA.Position:
		shiftRight(&transformed, opB)
		return transformed, nil

	default: // opB.Position == opA.Position
		switch {
		case opA.ClientID < opB.ClientID:
			// A is "earlier" by the tie-break; anchor unchanged.
			return transformed, nil
		case opA.ClientID > opB.ClientID:
			shiftRight(&transformed, opB)
			return transformed, nil
		default:
			// Same client id at the same anchor: nothing to reconcile.
			return transformed, nil
		}
	}
}

// shiftRight adjusts op's position to account for an op B that precedes
// it (by position, or by the clientId tie-break).
func shiftRight(op *Operation, b Operation) {
	switch b.Kind {
	case KindInsert:
		op.Position += uint64(len([]rune(b.Payload)))
	case KindDelete:
		shift := uint64(b.DeleteLen())
		if op.Position < shift {
			op.Position = b.Position
			return
		}
		newPos := op.Position - shift
		if newPos < b.Position {
			newPos = b.Position
		}
		op.Position = newPos
	}
}
