package ot

type iter struct {
	actions []Action
	idx     int
}

func (it *iter) next() Action {
	if it.idx >= len(it.actions) {
		return nil
	}
	a := it.actions[it.idx]
	it.idx++
	return a
}

// Compose merges two sequential operations into one with the combined
// effect: for every string s of the right length,
// apply(compose(a, b), s) == apply(b, apply(a, s)).
//
// Fails with ErrTargetLenMismatch unless a's target length equals b's
// base length.
func (a *Operation) Compose(b *Operation) (*Operation, error) {
	if a.targetLen != b.baseLen {
		return nil, ErrTargetLenMismatch
	}

	out := New()
	as := &iter{actions: a.actions}
	bs := &iter{actions: b.actions}
	op1, op2 := as.next(), bs.next()

	for op1 != nil || op2 != nil {
		// Deletes from a happen before b ever sees the text; inserts
		// from b happen after a is done. Both pass straight through.
		if d, ok := op1.(Delete); ok {
			out.Delete(d.N)
			op1 = as.next()
			continue
		}
		if ins, ok := op2.(Insert); ok {
			out.Insert(ins.Text)
			op2 = bs.next()
			continue
		}
		if op1 == nil || op2 == nil {
			return nil, ErrTargetLenMismatch
		}

		switch x := op1.(type) {
		case Retain:
			switch y := op2.(type) {
			case Retain:
				switch {
				case x.N < y.N:
					out.Retain(x.N)
					op2 = Retain{y.N - x.N}
					op1 = as.next()
				case x.N == y.N:
					out.Retain(x.N)
					op1, op2 = as.next(), bs.next()
				default:
					out.Retain(y.N)
					op1 = Retain{x.N - y.N}
					op2 = bs.next()
				}
			case Delete:
				switch {
				case x.N < y.N:
					out.Delete(x.N)
					op2 = Delete{y.N - x.N}
					op1 = as.next()
				case x.N == y.N:
					out.Delete(y.N)
					op1, op2 = as.next(), bs.next()
				default:
					out.Delete(y.N)
					op1 = Retain{x.N - y.N}
					op2 = bs.next()
				}
			}
		case Insert:
			n := codepointLen(x.Text)
			switch y := op2.(type) {
			case Delete:
				// b deletes some or all of what a inserted; the
				// overlap cancels out entirely.
				switch {
				case n < y.N:
					op2 = Delete{y.N - n}
					op1 = as.next()
				case n == y.N:
					op1, op2 = as.next(), bs.next()
				default:
					runes := []rune(x.Text)
					op1 = Insert{string(runes[y.N:])}
					op2 = bs.next()
				}
			case Retain:
				switch {
				case n < y.N:
					out.Insert(x.Text)
					op2 = Retain{y.N - n}
					op1 = as.next()
				case n == y.N:
					out.Insert(x.Text)
					op1, op2 = as.next(), bs.next()
				default:
					runes := []rune(x.Text)
					out.Insert(string(runes[:y.N]))
					op1 = Insert{string(runes[y.N:])}
					op2 = bs.next()
				}
			}
		}
	}
	return out, nil
}
