package tensor

import (
	"errors"
	"math/rand"
	"testing"
)

func TestCopyOverlapGrowKeepsFreshTail(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := Gaussian(rng, 1, 8, 3)
	dst := Gaussian(rng, 1, 12, 3)
	fresh := dst.Clone()

	if err := CopyOverlap(dst, src); err != nil {
		t.Fatalf("copy overlap: %v", err)
	}
	for r := 0; r < 12; r++ {
		for c := 0; c < 3; c++ {
			got := dst.At(r, c)
			if r < 8 {
				if got != src.At(r, c) {
					t.Fatalf("row %d col %d: got=%f want src=%f", r, c, got, src.At(r, c))
				}
				continue
			}
			if got != fresh.At(r, c) {
				t.Fatalf("row %d col %d: expected fresh value %f, got %f", r, c, fresh.At(r, c), got)
			}
			if got == 0 {
				t.Fatalf("row %d col %d: fresh value is zero", r, c)
			}
		}
	}
}

func TestCopyOverlapShrinkAndGrowOnDifferentAxes(t *testing.T) {
	src := New(2, 4)
	for i := range src.Data {
		src.Data[i] = float64(i + 1)
	}
	dst := New(3, 2)
	if err := CopyOverlap(dst, src); err != nil {
		t.Fatalf("copy overlap: %v", err)
	}
	want := []float64{1, 2, 5, 6, 0, 0}
	for i := range want {
		if dst.Data[i] != want[i] {
			t.Fatalf("unexpected data: got=%v want=%v", dst.Data, want)
		}
	}
}

func TestCopyOverlapRank4(t *testing.T) {
	src := New(2, 2, 3, 3)
	for i := range src.Data {
		src.Data[i] = float64(i)
	}
	dst := New(3, 2, 2, 2)
	if err := CopyOverlap(dst, src); err != nil {
		t.Fatalf("copy overlap: %v", err)
	}
	for o := 0; o < 2; o++ {
		for i := 0; i < 2; i++ {
			for y := 0; y < 2; y++ {
				for x := 0; x < 2; x++ {
					if dst.At(o, i, y, x) != src.At(o, i, y, x) {
						t.Fatalf("mismatch at %d,%d,%d,%d", o, i, y, x)
					}
				}
			}
		}
	}
	if dst.At(2, 1, 1, 1) != 0 {
		t.Fatal("expected untouched tail")
	}
}

func TestCopyOverlapIdenticalShapesIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src := Gaussian(rng, 0.5, 4, 5)
	dst := Gaussian(rng, 0.5, 4, 5)
	if err := CopyOverlap(dst, src); err != nil {
		t.Fatalf("copy overlap: %v", err)
	}
	if !dst.Equal(src) {
		t.Fatal("expected exact copy")
	}
}

func TestCopyOverlapRankMismatch(t *testing.T) {
	err := CopyOverlap(New(2, 2), New(4))
	if !errors.Is(err, ErrRankMismatch) {
		t.Fatalf("expected rank mismatch, got %v", err)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	a := New(3)
	b := a.Clone()
	b.Data[0] = 7
	b.Shape[0] = 9
	if a.Data[0] != 0 || a.Shape[0] != 3 {
		t.Fatalf("clone aliased source: %+v", a)
	}
}

func TestConcatColumns(t *testing.T) {
	a, _ := FromData([]int{2, 1}, []float64{1, 2})
	b, _ := FromData([]int{2, 2}, []float64{3, 4, 5, 6})
	out, err := ConcatColumns(a, b)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}
	want := []float64{1, 3, 4, 2, 5, 6}
	if out.Shape[0] != 2 || out.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", out.Shape)
	}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Fatalf("unexpected data: %v", out.Data)
		}
	}
	if _, err := ConcatColumns(a, New(3, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestFromDataValidatesLength(t *testing.T) {
	if _, err := FromData([]int{2, 2}, []float64{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestMatrixSharesStorage(t *testing.T) {
	x := New(2, 3)
	m, err := x.Matrix()
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	m.Set(1, 2, 4)
	if x.At(1, 2) != 4 {
		t.Fatal("expected matrix view to share storage")
	}
}

func TestMatrixRejectsEmptyTensor(t *testing.T) {
	if _, err := New(0, 4).Matrix(); !errors.Is(err, ErrInvalidShape) {
		t.Fatalf("expected invalid shape, got %v", err)
	}
}
