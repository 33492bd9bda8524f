package vectorstore

import (
	"fmt"
	"math"
)

// Magnitude 返回向量的 L2 范数。
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Dot 返回两个等长向量的点积。
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// L2Distance 返回欧氏距离。
func L2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Score 按 metric 计算相似度分数，越大越相似。qMag 和 vMag 是预先计算好的范数，
// 任意一方为零向量时余弦分数为 0。
func Score(metric Metric, q, v []float32, qMag, vMag float64) (float32, error) {
	if len(q) != len(v) {
		return 0, fmt.Errorf("vectorstore: dimension mismatch %d vs %d", len(q), len(v))
	}
	switch metric {
	case DotProduct:
		return float32(Dot(q, v)), nil
	case Euclidean:
		return float32(1 / (1 + L2Distance(q, v))), nil
	default:
		if qMag == 0 || vMag == 0 {
			return 0, nil
		}
		return float32(Dot(q, v) / (qMag * vMag)), nil
	}
}
