package crypto

import "github.com/prometheus/client_golang/prometheus"

var decryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "citaguard_field_decrypt_failures_total",
	Help: "Fields that could not be decrypted and were replaced by a placeholder.",
})

func init() {
	prometheus.MustRegister(decryptFailures)
}
