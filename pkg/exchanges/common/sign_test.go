package common

import "testing"

func TestSignHexBinanceVector(t *testing.T) {
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	if got := SignHex(query, secret); got != want {
		t.Fatalf("SignHex = %s, want %s", got, want)
	}
	if SignHex(query, secret) != SignHex(query, secret) {
		t.Fatal("signature not deterministic")
	}
}

func TestSignBase64(t *testing.T) {
	tests := []struct {
		name    string
		message string
		secret  string
		want    string
	}{
		{
			name:    "rfc4231 case 2",
			message: "what do ya want for nothing?",
			secret:  "Jefe",
			want:    "W9zBRr9gdU5qBCQmCJV1x1oAPwidJzmDnexYuWTsOEM=",
		},
		{
			name:    "okx prehash",
			message: "2020-12-08T09:08:57.715ZGET/api/v5/account/balance?ccy=BTC",
			secret:  "22582BD0CFF14C41EDBF1AB98506286D",
			want:    "HiZhvSfMtWJA3uUIVXV3a/bSXNPCWvYFXoGCVS8V4zY=",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SignBase64(tt.message, tt.secret); got != tt.want {
				t.Errorf("SignBase64 = %s, want %s", got, tt.want)
			}
		})
	}
}
