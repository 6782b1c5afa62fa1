// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// measuredemo reads a FITS frame, detects stars on it, and runs the
// aperture and adaptive moments measurement core on every detection,
// writing one CSV row per source.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/skyfield-go/photomeasure/internal/aperture"
	"github.com/skyfield-go/photomeasure/internal/fits"
	"github.com/skyfield-go/photomeasure/internal/geom"
	"github.com/skyfield-go/photomeasure/internal/image"
	"github.com/skyfield-go/photomeasure/internal/measlog"
	"github.com/skyfield-go/photomeasure/internal/measpar"
	"github.com/skyfield-go/photomeasure/internal/moments"
	"github.com/skyfield-go/photomeasure/internal/record"
	"github.com/skyfield-go/photomeasure/internal/scaledaperture"
	"github.com/skyfield-go/photomeasure/internal/star"
	"github.com/skyfield-go/photomeasure/internal/stats"
)

var (
	fileName    = flag.String("f", "", "input FITS file name")
	out         = flag.String("o", "", "output CSV file name, defaults to stdout")
	logFileName = flag.String("log", "", "also mirror log output to this file")
	starSig     = flag.Float64("starSig", 3.0, "star detection threshold, in multiples of noise sigma above background")
	bpSigma     = flag.Float64("bpSigma", 4.0, "bad pixel rejection threshold, in multiples of local median difference sigma")
	radius      = flag.Int("radius", 16, "star detection block radius in pixels")
	cutout      = flag.Int("cutout", 48, "half width of the measurement cutout around each detection, in pixels")
	zeroPoint   = flag.Float64("zp", 25.0, "magnitude zeropoint used to convert instrumental flux")
	jobs        = flag.Int("j", runtime.NumCPU(), "maximum number of sources measured concurrently")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "measuredemo detects stars in a FITS frame and measures their aperture and adaptive-moments flux.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *fileName == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *logFileName != "" {
		measlog.LogAlsoToFile(*logFileName)
	}

	img, err := fits.NewImageFromFile(*fileName, 0, os.Stderr)
	if err != nil {
		measlog.LogFatalf("unable to read %s: %s", *fileName, err.Error())
	}

	outW := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			measlog.LogFatalf("unable to create %s: %s", *out, err.Error())
		}
		defer f.Close()
		outW = f
	}

	width := img.Naxisn[0]
	height := int32(len(img.Data)) / width

	diffStats := medianDiffStats(img.Data, width, height)
	stars, _, _ := star.FindStars(img.Data, width, img.Stats.Mean, img.Stats.StdDev,
		float32(*starSig), float32(*bpSigma), 1.0, int32(*radius), diffStats)
	measlog.LogPrintf("%d stars detected in %s\n", len(stars), *fileName)

	bkgdVar := float64(img.Stats.StdDev) * float64(img.Stats.StdDev)

	rows := make([]row, len(stars))
	apCtrl := aperture.DefaultControl()
	momCtrl := moments.DefaultControl()
	apAlg := aperture.NewAlgorithm(apCtrl)
	calib := record.Calib{ZeroPoint: *zeroPoint}
	psf := scaledaperture.FixedGaussianPSF{Sigma: 2.0}
	schema := record.NewSchema()

	err = measpar.RunAll(len(stars), *jobs, func(i int) error {
		s := stars[i]
		center := geom.Point2D{X: float64(s.X), Y: float64(s.Y)}
		bbox := geom.NewBBoxI(
			int(center.X)-*cutout, int(center.Y)-*cutout,
			int(center.X)+*cutout, int(center.Y)+*cutout,
		)
		mi := image.FromFloat32(img.Data, int(width), int(height), bbox, bkgdVar)

		rec := record.NewRecord(int64(i))
		apResults := apAlg.MeasureToRecord(mi, center, "aperture", schema, rec)
		mags, magErrs := aperture.Transform(calib, apResults)

		fit := moments.FitAdaptiveMoments(mi, float64(img.Stats.Mean), center, momCtrl)
		moments.WriteToRecord("shape", schema, rec, fit)

		scaled := scaledaperture.ComputeScaledApertureFlux(mi, center, psf, scaledaperture.DefaultControl())
		scaledMag, scaledMagErr := aperture.Magnitude(calib, scaled.InstFlux, scaled.InstFluxErr)

		rows[i] = row{
			star:         s,
			rec:          rec,
			mags:         mags,
			magErrs:      magErrs,
			scaled:       scaled,
			scaledMag:    scaledMag,
			scaledMagErr: scaledMagErr,
		}
		return nil
	})
	if err != nil {
		measlog.LogFatalf("measurement failed: %s", err.Error())
	}

	writeCSV(outW, apCtrl.Radii, rows)
	if *logFileName != "" {
		measlog.LogSync()
	}
}

func medianDiffStats(data []float32, width, height int32) *stats.Basic {
	diffs := make([]float32, 0, len(data))
	for y := int32(1); y < height-1; y++ {
		for x := int32(1); x < width-1; x++ {
			i := y*width + x
			diffs = append(diffs, data[i]-data[i-1])
		}
	}
	if len(diffs) == 0 {
		return &stats.Basic{}
	}
	return stats.CalcBasicStats(diffs)
}

type row struct {
	star                    star.Star
	rec                     *record.Record
	mags, magErrs           []float64
	scaled                  aperture.Result
	scaledMag, scaledMagErr float64
}

// writeCSV reads the aperture fluxes and shape values straight out of each
// row's record.Record, under the exact field names MeasureToRecord and
// WriteToRecord wrote them under, rather than threading parallel copies of
// the same values through row. Magnitudes and the scaled-aperture result
// are not in the record and are taken from row.
func writeCSV(w *os.File, radii []float64, rows []row) {
	fmt.Fprint(w, "x,y,mass,hfr,shape_xx,shape_yy,shape_xy,shape_flag")
	for _, r := range radii {
		name := aperture.MakeFieldPrefix("aperture", r)
		fmt.Fprintf(w, ",%s_instFlux,%s_instFluxErr,%s_mag,%s_magErr", name, name, name, name)
	}
	fmt.Fprint(w, ",scaledAperture_instFlux,scaledAperture_instFluxErr,scaledAperture_mag,scaledAperture_magErr\n")

	for _, row := range rows {
		rec := row.rec
		fmt.Fprintf(w, "%g,%g,%g,%g,%g,%g,%g,%v",
			row.star.X, row.star.Y, row.star.Mass, row.star.HFR,
			rec.GetField("shape_xx"), rec.GetField("shape_yy"), rec.GetField("shape_xy"),
			rec.GetFlag("shape_flag"))
		for i, r := range radii {
			prefix := aperture.MakeFieldPrefix("aperture", r)
			fmt.Fprintf(w, ",%g,%g,%g,%g",
				rec.GetField(prefix+"_instFlux"), rec.GetField(prefix+"_instFluxErr"),
				row.mags[i], row.magErrs[i])
		}
		fmt.Fprintf(w, ",%g,%g,%g,%g\n", row.scaled.InstFlux, row.scaled.InstFluxErr, row.scaledMag, row.scaledMagErr)
	}
}
