package ionorm

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBattery(t *testing.T) {
	Convey("Battery scaling", t, func() {
		cases := map[int64]float64{
			723:    7.2,
			87:     87,
			-87:    87,
			4160:   41.6,
			5000:   50,
			9550:   95.5,
			100:    100,
			101:    1,
			999999: 100,
			0:      0,
		}
		for raw, want := range cases {
			got, ok := Battery(raw)
			So(ok, ShouldBeTrue)
			So(got, ShouldAlmostEqual, want, 1e-9)
		}
	})
}

func TestClimate(t *testing.T) {
	Convey("Climate probes", t, func() {
		Convey("sentinels mean no reading", func() {
			for _, raw := range []int64{32767, -32767, 4000, 3000, 2000, -2000} {
				_, ok := Climate(raw)
				So(ok, ShouldBeFalse)
			}
		})

		Convey("tenths by default", func() {
			v, ok := Climate(215)
			So(ok, ShouldBeTrue)
			So(v, ShouldAlmostEqual, 21.5, 1e-9)

			v, _ = Climate(-45)
			So(v, ShouldAlmostEqual, -4.5, 1e-9)
		})

		Convey("thousandths above 1000", func() {
			v, _ := Climate(21500)
			So(v, ShouldAlmostEqual, 21.5, 1e-9)
		})
	})
}

func TestKindOf(t *testing.T) {
	Convey("Name classification", t, func() {
		So(KindOf("battery"), ShouldEqual, KindBattery)
		So(KindOf("Temperature"), ShouldEqual, KindClimate)
		So(KindOf("humidity"), ShouldEqual, KindClimate)
		So(KindOf("external_voltage"), ShouldEqual, KindVoltage)
		So(KindOf("aux_mv"), ShouldEqual, KindVoltage)
		So(KindOf("ignition"), ShouldEqual, KindPassthrough)
	})
}

func TestNormalize(t *testing.T) {
	Convey("Given the default mapping", t, func() {
		n := New(nil)

		Convey("When a record carries mapped and unmapped ids", func() {
			res := n.Normalize(map[uint16]int64{
				113: 723,
				72:  32767,
				66:  12650,
				239: 1,
				999: 42,
			})

			Convey("Then each id is scaled by its kind", func() {
				v, ok := res.Value("battery")
				So(ok, ShouldBeTrue)
				So(v, ShouldAlmostEqual, 7.2, 1e-9)

				temp, present := res.Named["temperature"]
				So(present, ShouldBeTrue)
				So(temp, ShouldBeNil)

				v, _ = res.Value("external_voltage")
				So(v, ShouldAlmostEqual, 12.65, 1e-9)

				v, _ = res.Value("ignition")
				So(v, ShouldEqual, 1)

				So(res.Unmapped, ShouldResemble, map[string]int64{"io999": 42})
			})
		})
	})

	Convey("Given a policy override", t, func() {
		n := New(map[uint16]string{5: "battery"}, WithPolicy(Policy{
			KindBattery: func(raw int64) (float64, bool) { return float64(raw) * 2, true },
		}))

		Convey("Then the override is used", func() {
			v, _ := n.Normalize(map[uint16]int64{5: 10}).Value("battery")
			So(v, ShouldEqual, 20)
		})
	})
}

func TestParseMapping(t *testing.T) {
	Convey("Parsing configured mappings", t, func() {
		m, err := ParseMapping(map[string]string{"113": "battery", " 72 ": "temperature"})
		So(err, ShouldBeNil)
		So(m, ShouldResemble, map[uint16]string{113: "battery", 72: "temperature"})

		_, err = ParseMapping(map[string]string{"abc": "x"})
		So(errors.Is(err, ErrInvalidMapping), ShouldBeTrue)

		_, err = ParseMapping(map[string]string{"70000": "x"})
		So(errors.Is(err, ErrInvalidMapping), ShouldBeTrue)

		_, err = ParseMapping(map[string]string{"1": " "})
		So(errors.Is(err, ErrInvalidMapping), ShouldBeTrue)
	})
}
