package testutil

import (
	"fmt"

	dynaport "github.com/travisjeffery/go-dynaport"
)

// NewTestAddrs returns n free localhost addresses.
func NewTestAddrs(n int) []string {
	ports := dynaport.Get(n)
	addrs := make([]string, 0, n)
	for _, port := range ports {
		addrs = append(addrs, fmt.Sprintf("127.0.0.1:%d", port))
	}
	return addrs
}

// NewTestAddr returns a free localhost address.
func NewTestAddr() string {
	return NewTestAddrs(1)[0]
}
