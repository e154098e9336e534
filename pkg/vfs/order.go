package vfs

import (
	"slices"
	"unicode"
)

// Compare orders resources: folders before files, then natural name order.
func Compare(a, b Resource) int {
	if a.IsFolder() != b.IsFolder() {
		if a.IsFolder() {
			return -1
		}
		return 1
	}
	return CompareNatural(a.Name(), b.Name(), false)
}

// Sort sorts resources in place using Compare.
func Sort(resources []Resource) {
	slices.SortStableFunc(resources, Compare)
}

// CompareNatural compares strings treating digit runs as numbers.
// Leading zeros are ignored when comparing values; if two strings are
// otherwise equal the one with more zeros sorts last.
func CompareNatural(a, b string, ignoreCase bool) int {
	ar, br := []rune(a), []rune(b)
	alen, blen := len(ar), len(br)

	for ai, bi := 0, 0; ; {
		if ai == alen {
			if bi == blen {
				return cmpInt(alen, blen)
			}
			return -1
		}
		if bi == blen {
			return 1
		}

		ac, bc := ar[ai], br[bi]

		switch {
		case unicode.IsDigit(ac) && unicode.IsDigit(bc):
			for ai < alen && ar[ai] == '0' {
				ai++
			}
			for bi < blen && br[bi] == '0' {
				bi++
			}

			an, bn := digitRun(ar, ai), digitRun(br, bi)
			if an != bn {
				return cmpInt(an, bn)
			}
			for k := 0; k < an; k, ai, bi = k+1, ai+1, bi+1 {
				if ar[ai] != br[bi] {
					return cmpInt(int(ar[ai]), int(br[bi]))
				}
			}
		case ac == bc:
			ai++
			bi++
		case ignoreCase:
			au, bu := unicode.ToUpper(ac), unicode.ToUpper(bc)
			if au != bu {
				return cmpInt(int(au), int(bu))
			}
			ai++
			bi++
		default:
			return cmpInt(int(ac), int(bc))
		}
	}
}

func digitRun(r []rune, from int) int {
	n := 0
	for i := from; i < len(r) && unicode.IsDigit(r[i]); i++ {
		n++
	}
	return n
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
