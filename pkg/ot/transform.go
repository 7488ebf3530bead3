package ot

// Transform reconciles two concurrent operations with the same base:
// it produces (a', b') such that applying a then b' yields the same
// string as applying b then a'. Every replica runs the same transform,
// so all of them converge.
//
// When both sides insert at the same position, a's insert lands first.
// Server and clients must agree on this tie-break.
//
// Fails with ErrBaseLenMismatch unless both operations have the same
// base length.
func (a *Operation) Transform(b *Operation) (aPrime, bPrime *Operation, err error) {
	if a.baseLen != b.baseLen {
		return nil, nil, ErrBaseLenMismatch
	}

	aPrime, bPrime = New(), New()
	as := &iter{actions: a.actions}
	bs := &iter{actions: b.actions}
	op1, op2 := as.next(), bs.next()

	for op1 != nil || op2 != nil {
		// Inserts consume no base text, so they go first; a wins ties.
		if ins, ok := op1.(Insert); ok {
			aPrime.Insert(ins.Text)
			bPrime.Retain(codepointLen(ins.Text))
			op1 = as.next()
			continue
		}
		if ins, ok := op2.(Insert); ok {
			aPrime.Retain(codepointLen(ins.Text))
			bPrime.Insert(ins.Text)
			op2 = bs.next()
			continue
		}
		if op1 == nil || op2 == nil {
			return nil, nil, ErrBaseLenMismatch
		}

		switch x := op1.(type) {
		case Retain:
			switch y := op2.(type) {
			case Retain:
				switch {
				case x.N < y.N:
					aPrime.Retain(x.N)
					bPrime.Retain(x.N)
					op2 = Retain{y.N - x.N}
					op1 = as.next()
				case x.N == y.N:
					aPrime.Retain(x.N)
					bPrime.Retain(x.N)
					op1, op2 = as.next(), bs.next()
				default:
					aPrime.Retain(y.N)
					bPrime.Retain(y.N)
					op1 = Retain{x.N - y.N}
					op2 = bs.next()
				}
			case Delete:
				// b deleted text a retained; b' must delete it too.
				switch {
				case x.N < y.N:
					bPrime.Delete(x.N)
					op2 = Delete{y.N - x.N}
					op1 = as.next()
				case x.N == y.N:
					bPrime.Delete(x.N)
					op1, op2 = as.next(), bs.next()
				default:
					bPrime.Delete(y.N)
					op1 = Retain{x.N - y.N}
					op2 = bs.next()
				}
			}
		case Delete:
			switch y := op2.(type) {
			case Retain:
				switch {
				case x.N < y.N:
					aPrime.Delete(x.N)
					op2 = Retain{y.N - x.N}
					op1 = as.next()
				case x.N == y.N:
					aPrime.Delete(x.N)
					op1, op2 = as.next(), bs.next()
				default:
					aPrime.Delete(y.N)
					op1 = Delete{x.N - y.N}
					op2 = bs.next()
				}
			case Delete:
				// Both deleted the same text; nothing left for either
				// transformed side to do.
				switch {
				case x.N < y.N:
					op2 = Delete{y.N - x.N}
					op1 = as.next()
				case x.N == y.N:
					op1, op2 = as.next(), bs.next()
				default:
					op1 = Delete{x.N - y.N}
					op2 = bs.next()
				}
			}
		}
	}
	return aPrime, bPrime, nil
}

// TransformIndex maps a codepoint index through the operation: inserts
// at or before the index shift it right, deletes spanning it clamp it
// to the deletion point.
func (o *Operation) TransformIndex(position int) int {
	index := position
	newIndex := position
	for _, a := range o.actions {
		switch v := a.(type) {
		case Retain:
			index -= v.N
		case Insert:
			newIndex += codepointLen(v.Text)
		case Delete:
			if v.N < index {
				newIndex -= v.N
			} else {
				newIndex -= index
			}
			index -= v.N
		}
		if index < 0 {
			break
		}
	}
	return newIndex
}
