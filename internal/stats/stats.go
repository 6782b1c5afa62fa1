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

package stats

import (
	"math"
)

// Basic holds basic descriptive statistics of a float32 sample.
type Basic struct {
	Min    float32
	Max    float32
	Mean   float32
	StdDev float32
}

// CalcBasicStats calculates min, max, mean and standard deviation of data.
func CalcBasicStats(data []float32) (s *Basic) {
	s=&Basic{}
	s.Min, s.Mean, s.Max=calcMinMeanMax(data)

	variance:=calcVariance(data, s.Mean)
	s.StdDev=float32(math.Sqrt(variance))
	return s
}

// Calculate minimum, mean and maximum of given data.
func calcMinMeanMax(data []float32) (min, mean, max float32) {
	mmin, mmean, mmax:=data[0], float64(0), data[0]
	for _, v:=range data {
		if v<mmin {
			mmin=v
		} else if v>mmax {
			mmax=v
		}
		mmean+=float64(v)
	}
	return mmin, float32(mmean/float64(len(data))), mmax
}

// Calculate variance of given data from provided mean.
func calcVariance(data []float32, mean float32) (variance float64) {
	for _, v:=range data {
		diff:=float64(v-mean)
		variance+=diff*diff
	}
	return variance/float64(len(data))
}
