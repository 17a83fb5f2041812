package boundscheck_test

import (
	"fmt"

	"github.com/kolkov/boundscheck/boundscheck"
)

// Example demonstrates the checks a bounds-checking compiler emits.
func Example() {
	if err := boundscheck.Init(); err != nil {
		panic(err)
	}
	defer boundscheck.Fini()

	p := boundscheck.Malloc(10)

	fmt.Println(boundscheck.CheckIndirect1(p, 9) == p+9)
	fmt.Println(boundscheck.CheckIndirect1(p, 10) == boundscheck.Invalid)
	fmt.Println(boundscheck.CheckAdd(p, 10) == p+10)
	fmt.Println(boundscheck.CheckAdd(p, 11) == boundscheck.Invalid)

	boundscheck.Free(p)
	fmt.Println(boundscheck.CheckIndirect1(p, 0) == boundscheck.Invalid)

	// Output:
	// true
	// true
	// true
	// true
	// true
}

// Example_locals shows how an instrumented function brackets its body.
func Example_locals() {
	if err := boundscheck.Init(); err != nil {
		panic(err)
	}
	defer boundscheck.Fini()

	// A frame in the data segment with a 16-byte buffer below its base.
	frame := boundscheck.Address(0x0800_1000)
	buf := boundscheck.Local{Offset: -16, Size: 16}
	if err := boundscheck.LocalNew(frame, buf); err != nil {
		panic(err)
	}

	fmt.Println(boundscheck.CheckIndirect8(frame-16, 8) == frame-8)
	fmt.Println(boundscheck.CheckIndirect8(frame-16, 9) == boundscheck.Invalid)

	boundscheck.LocalDelete(frame, buf)
	fmt.Println(boundscheck.CheckIndirect1(frame-16, 0) == boundscheck.Invalid)

	// Output:
	// true
	// true
	// true
}
