package vec

import "math"

// Vec3Float представляет трёхмерные координаты с плавающей точкой.
// float32 выбран для паритета с сетевым форматом.
type Vec3Float struct {
	X, Y, Z float32
}

// ToVec3 преобразует в целочисленные координаты (отбрасыванием дробной части)
func (v Vec3Float) ToVec3() Vec3 {
	return Vec3{X: int32(v.X), Y: int32(v.Y), Z: int32(v.Z)}
}

// FromVec3 создаёт Vec3Float из Vec3
func FromVec3(v Vec3) Vec3Float {
	return Vec3Float{X: float32(v.X), Y: float32(v.Y), Z: float32(v.Z)}
}

// Add складывает два вектора
func (v Vec3Float) Add(other Vec3Float) Vec3Float {
	return Vec3Float{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub вычитает вектор
func (v Vec3Float) Sub(other Vec3Float) Vec3Float {
	return Vec3Float{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Mul умножает вектор на скаляр
func (v Vec3Float) Mul(scalar float32) Vec3Float {
	return Vec3Float{X: v.X * scalar, Y: v.Y * scalar, Z: v.Z * scalar}
}

// Length возвращает длину вектора
func (v Vec3Float) Length() float64 {
	return math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z))
}

// DistanceTo вычисляет расстояние до другой точки
func (v Vec3Float) DistanceTo(other Vec3Float) float64 {
	return v.Sub(other).Length()
}
