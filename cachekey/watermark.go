package cachekey

// FitMode controls how a watermark is fitted into its geometry box.
type FitMode uint8

const (
	FitUnspecified FitMode = iota
	FitDistort
	FitWithin
	FitFit
	FitWithinCrop
	FitFitCrop
)

// GeometryKind selects how the geometry coordinates are interpreted.
type GeometryKind uint8

const (
	GeometryBox GeometryKind = iota + 1
	GeometryMargins
)

// Unit is the unit of geometry coordinates.
type Unit uint8

const (
	UnitPercent Unit = iota + 1
	UnitPixels
)

// Geometry places a watermark on the canvas.
type Geometry struct {
	Kind           GeometryKind
	Unit           Unit
	X1, Y1, X2, Y2 float64
}

// Gravity anchors a fitted watermark inside its box, in percent.
type Gravity struct {
	X, Y float64
}

// Hints carries the resampling hints used when rendering a watermark.
type Hints struct {
	DownFilter        string
	UpFilter          string
	ScalingColorspace string
	SharpenPercent    *float64
}

// Watermark is the canonical description of an applied overlay.
type Watermark struct {
	Name            string
	VirtualPath     string
	Geometry        *Geometry
	FitMode         FitMode
	Gravity         *Gravity
	Opacity         *float64
	MinCanvasWidth  *int
	MinCanvasHeight *int
	Hints           *Hints
}

func (w *Watermark) fold(acc *Accumulator) {
	acc.AddString(w.Name)
	acc.AddString(w.VirtualPath)

	if g := w.Geometry; g != nil {
		acc.AddEnum(uint8(g.Kind))
		acc.AddEnum(uint8(g.Unit))
		acc.AddFloat64(g.X1)
		acc.AddFloat64(g.Y1)
		acc.AddFloat64(g.X2)
		acc.AddFloat64(g.Y2)
	} else {
		acc.AddAbsent()
	}

	acc.AddEnum(uint8(w.FitMode))

	if g := w.Gravity; g != nil {
		acc.AddFloat64(g.X)
		acc.AddFloat64(g.Y)
	} else {
		acc.AddAbsent()
	}

	acc.AddOptionalFloat64(w.Opacity)
	acc.AddOptionalInt(w.MinCanvasWidth)
	acc.AddOptionalInt(w.MinCanvasHeight)

	if h := w.Hints; h != nil {
		acc.AddString(h.DownFilter)
		acc.AddString(h.UpFilter)
		acc.AddString(h.ScalingColorspace)
		acc.AddOptionalFloat64(h.SharpenPercent)
	} else {
		acc.AddAbsent()
	}
}
