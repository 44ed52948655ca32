package numatoms

// builtin holds placeholder atom-count histograms per dataset. They follow
// the rough shape of each dataset (even counts favoured, long tail for
// mp-120) but are not the published per-dataset counts. Sampling that must
// reproduce a dataset's statistics should load the real histogram with
// LoadFile. Weights are relative and normalised by New.
var builtin = map[string]map[int]float64{
	"mp-20": {
		1: 1190, 2: 2542, 3: 1873, 4: 5410, 5: 2876, 6: 3830, 7: 1283, 8: 5627,
		9: 1234, 10: 3078, 11: 478, 12: 3574, 13: 356, 14: 1843, 15: 412, 16: 2517,
		17: 198, 18: 958, 19: 115, 20: 1109,
	},
	"mp-120": {
		1: 5715, 2: 8654, 3: 5118, 4: 10076, 5: 4584, 6: 6942, 7: 4106, 8: 8085,
		9: 3679, 10: 5572, 11: 3296, 12: 6490, 13: 2954, 14: 4474, 15: 2647, 16: 5213,
		17: 2373, 18: 3595, 19: 2127, 20: 4191, 21: 1908, 22: 2891, 23: 1711, 24: 3372,
		25: 1536, 26: 2328, 27: 1378, 28: 2717, 29: 1237, 30: 1877, 31: 1112, 32: 2192,
		33: 999, 34: 1515, 35: 898, 36: 1772, 37: 808, 38: 1226, 39: 727, 40: 1435,
		41: 655, 42: 994, 43: 590, 44: 1166, 45: 532, 46: 809, 47: 480, 48: 950,
		49: 434, 50: 660, 51: 392, 52: 777, 53: 355, 54: 541, 55: 322, 56: 639,
		57: 292, 58: 446, 59: 266, 60: 528, 61: 242, 62: 370, 63: 221, 64: 439,
		65: 202, 66: 309, 67: 185, 68: 368, 69: 169, 70: 260, 71: 156, 72: 311,
		73: 143, 74: 221, 75: 133, 76: 266, 77: 123, 78: 189, 79: 114, 80: 229,
		81: 106, 82: 164, 83: 99, 84: 200, 85: 93, 86: 144, 87: 87, 88: 177,
		89: 82, 90: 128, 91: 78, 92: 158, 93: 74, 94: 115, 95: 70, 96: 143,
		97: 67, 98: 105, 99: 64, 100: 131, 101: 61, 102: 97, 103: 59, 104: 121,
		105: 57, 106: 90, 107: 55, 108: 114, 109: 54, 110: 85, 111: 52, 112: 107,
		113: 51, 114: 81, 115: 50, 116: 103, 117: 49, 118: 77, 119: 48, 120: 99,
	},
	"alex-mp-20": {
		1: 5213, 2: 19880, 3: 21340, 4: 38612, 5: 24157, 6: 27931, 7: 13452, 8: 31260,
		9: 9184, 10: 17731, 11: 4983, 12: 15660, 13: 3411, 14: 9412, 15: 3127, 16: 10238,
		17: 1520, 18: 4715, 19: 1042, 20: 5124,
	},
}
