package ot

import (
	"testing"

	"pgregory.net/rapid"
)

// genOperation draws a random operation applicable to a string of
// baseLen codepoints.
func genOperation(t *rapid.T, baseLen int) *Operation {
	op := New()
	remaining := baseLen
	for remaining > 0 {
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			n := rapid.IntRange(1, remaining).Draw(t, "retain")
			op.Retain(n)
			remaining -= n
		case 1:
			op.Insert(rapid.StringN(1, 8, -1).Draw(t, "insert"))
		case 2:
			n := rapid.IntRange(1, remaining).Draw(t, "delete")
			op.Delete(n)
			remaining -= n
		}
	}
	if rapid.Bool().Draw(t, "tail") {
		op.Insert(rapid.StringN(1, 8, -1).Draw(t, "tailInsert"))
	}
	return op
}

func TestComposeAssociativity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, 20, -1).Draw(t, "s")
		a := genOperation(t, codepointLen(s))
		b := genOperation(t, a.TargetLen())
		c := genOperation(t, b.TargetLen())

		ab, err := a.Compose(b)
		if err != nil {
			t.Fatalf("a∘b: %v", err)
		}
		abc1, err := ab.Compose(c)
		if err != nil {
			t.Fatalf("(a∘b)∘c: %v", err)
		}
		bc, err := b.Compose(c)
		if err != nil {
			t.Fatalf("b∘c: %v", err)
		}
		abc2, err := a.Compose(bc)
		if err != nil {
			t.Fatalf("a∘(b∘c): %v", err)
		}

		left, err := abc1.Apply(s)
		if err != nil {
			t.Fatalf("apply (a∘b)∘c: %v", err)
		}
		right, err := abc2.Apply(s)
		if err != nil {
			t.Fatalf("apply a∘(b∘c): %v", err)
		}
		if left != right {
			t.Fatalf("associativity broken: %q vs %q", left, right)
		}
	})
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, 20, -1).Draw(t, "s")
		a := genOperation(t, codepointLen(s))
		b := genOperation(t, a.TargetLen())

		ab, err := a.Compose(b)
		if err != nil {
			t.Fatalf("compose: %v", err)
		}
		sequential, err := a.Apply(s)
		if err != nil {
			t.Fatalf("apply a: %v", err)
		}
		sequential, err = b.Apply(sequential)
		if err != nil {
			t.Fatalf("apply b: %v", err)
		}
		composed, err := ab.Apply(s)
		if err != nil {
			t.Fatalf("apply a∘b: %v", err)
		}
		if composed != sequential {
			t.Fatalf("compose diverges from sequential apply: %q vs %q", composed, sequential)
		}
	})
}

func TestTransformConvergence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, 20, -1).Draw(t, "s")
		a := genOperation(t, codepointLen(s))
		b := genOperation(t, codepointLen(s))

		aP, bP, err := a.Transform(b)
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
		ab, err := a.Compose(bP)
		if err != nil {
			t.Fatalf("a∘b': %v", err)
		}
		ba, err := b.Compose(aP)
		if err != nil {
			t.Fatalf("b∘a': %v", err)
		}
		left, err := ab.Apply(s)
		if err != nil {
			t.Fatalf("apply a∘b': %v", err)
		}
		right, err := ba.Apply(s)
		if err != nil {
			t.Fatalf("apply b∘a': %v", err)
		}
		if left != right {
			t.Fatalf("replicas diverge: %q vs %q", left, right)
		}
	})
}

func TestTransformIndexMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		baseLen := rapid.IntRange(0, 20).Draw(t, "baseLen")
		op := genOperation(t, baseLen)
		i := rapid.IntRange(0, baseLen).Draw(t, "i")
		j := rapid.IntRange(i, baseLen).Draw(t, "j")
		if ti, tj := op.TransformIndex(i), op.TransformIndex(j); ti > tj {
			t.Fatalf("monotonicity broken: %d->%d but %d->%d", i, ti, j, tj)
		}
	})
}

func TestInvertUndoes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, 20, -1).Draw(t, "s")
		op := genOperation(t, codepointLen(s))
		applied, err := op.Apply(s)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		back, err := op.Invert(s).Apply(applied)
		if err != nil {
			t.Fatalf("apply inverse: %v", err)
		}
		if back != s {
			t.Fatalf("inverse does not undo: %q vs %q", back, s)
		}
	})
}
