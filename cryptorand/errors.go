package cryptorand

// must panics when err is non-nil. crypto/rand reads cannot fail on
// Go 1.24 and later, so the Must variants treat any error as fatal.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
