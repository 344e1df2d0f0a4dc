package gateway

import (
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/trackgate/internal/domain/avl"
)

func TestDecodeKind(t *testing.T) {
	Convey("Decode failures map to distinct metric labels", t, func() {
		So(decodeKind(fmt.Errorf("%w: 1 bytes", avl.ErrFrameTooShort)), ShouldEqual, "frame_short")
		So(decodeKind(fmt.Errorf("%w: 9000 bytes", avl.ErrFrameTooLarge)), ShouldEqual, "frame_size")
		So(decodeKind(avl.ErrBadPreamble), ShouldEqual, "preamble")
		So(decodeKind(avl.ErrChecksum), ShouldEqual, "checksum")
		So(decodeKind(avl.ErrMalformed), ShouldEqual, "malformed")
	})
}
