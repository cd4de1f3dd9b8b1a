// Code generated by hand to match the shape "stringer -type=Perm"
// would produce, adapted because Perm is a bitmask: stringer's
// default templates print a single name per value, but a caller can
// legitimately hold several Perm bits set at once, so String joins
// every set flag's name with "|" instead of looking up one constant.
package paging

import "strconv"

var permNames = [...]struct {
	bit  Perm
	name string
}{
	{KERNEL, "KERNEL"},
	{USER, "USER"},
	{RW, "RW"},
	{EXEC, "EXEC"},
	{CACHE_DISABLED, "CACHE_DISABLED"},
	{WRITE_COMBINING, "WRITE_COMBINING"},
	{HARDWARE, "HARDWARE"},
	{COW, "COW"},
}

func (p Perm) String() string {
	if p == 0 {
		return "0"
	}
	s := ""
	rest := p
	for _, n := range permNames {
		if rest&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
		rest &^= n.bit
	}
	if rest != 0 {
		if s != "" {
			s += "|"
		}
		s += "Perm(" + strconv.FormatUint(uint64(rest), 16) + ")"
	}
	return s
}
